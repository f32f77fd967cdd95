package commerce

import (
	"context"
	"math/big"
	"strings"

	xerrors "selfclaw/internal/errors"
	"selfclaw/internal/web3"
)

// PaymentVerifier 依据链上事实核验一笔声称的付款。核验失败一律
// 视为 invalid：交易不存在、未确认、收款人不符、金额不足都不是
// 可以姑且放行的中间态。
type PaymentVerifier struct {
	chain web3.Client
}

// NewPaymentVerifier 构造支付核验器。
func NewPaymentVerifier(chain web3.Client) *PaymentVerifier {
	return &PaymentVerifier{chain: chain}
}

// Verify 确认 txHash 对应的交易把不少于 expectedMinAmount 的金额
// 转入了 expectedRecipient（大小写不敏感）。
func (v *PaymentVerifier) Verify(ctx context.Context, txHash, expectedRecipient string, expectedMinAmount *big.Int) error {
	if v == nil || v.chain == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "支付核验器未初始化")
	}
	if strings.TrimSpace(txHash) == "" {
		return ErrPaymentInvalid
	}

	record, err := v.chain.TransferByHash(ctx, txHash)
	if err != nil {
		// 读链失败不等于交易不存在，但同样不能当作付款成立。
		return xerrors.Wrap(CodePaymentInvalid, err, "无法核验链上交易")
	}
	if record == nil || !record.Confirmed {
		return ErrPaymentInvalid
	}
	if !strings.EqualFold(strings.TrimSpace(record.To), strings.TrimSpace(expectedRecipient)) {
		return ErrPaymentInvalid
	}
	if record.Value == nil || expectedMinAmount == nil || record.Value.Cmp(expectedMinAmount) < 0 {
		return ErrPaymentInvalid
	}
	return nil
}
