package commerce

import (
	"context"
	"math/big"
	"strings"

	xerrors "selfclaw/internal/errors"
)

// Status 表示托管购买在生命周期中的状态。
// completed 和 refunded 是终态，离开 escrowed 后不再接受任何转移。
type Status string

const (
	StatusEscrowed  Status = "escrowed"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
)

// CanTransitionTo 枚举合法的状态转移。
func (s Status) CanTransitionTo(next Status) bool {
	if s != StatusEscrowed {
		return false
	}
	return next == StatusCompleted || next == StatusRefunded
}

// EscrowedPurchase 是一笔购买的持久化记录，也是对买家的财务义务凭证。
// TxHash 在全部购买记录中唯一，防止一笔付款被复用于多次购买。
type EscrowedPurchase struct {
	ID              string   `json:"id"`
	SkillID         string   `json:"skillId"`
	BuyerPublicKey  string   `json:"buyerPublicKey"`
	SellerPublicKey string   `json:"sellerPublicKey"`
	Price           *big.Int `json:"-"`
	PriceRaw        string   `json:"price"`
	PriceToken      string   `json:"priceToken"`
	TxHash          string   `json:"txHash,omitempty"`
	Status          Status   `json:"status"`
	ReleaseTxHash   string   `json:"releaseTxHash,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

// NormalizeTxHash 把交易哈希归一化为带 0x 前缀的小写形态。
// 大小写和前缀在链上指向同一笔交易，查重必须基于归一化后的值。
func NormalizeTxHash(txHash string) string {
	h := strings.TrimSpace(txHash)
	if h == "" {
		return ""
	}
	if strings.HasPrefix(h, "0x") || strings.HasPrefix(h, "0X") {
		h = h[2:]
	}
	return "0x" + strings.ToLower(h)
}

// NormalizePrice 同步 Price 与 PriceRaw 两种表示。
func (p *EscrowedPurchase) NormalizePrice() {
	if p.Price != nil {
		p.PriceRaw = p.Price.String()
		return
	}
	if p.PriceRaw != "" {
		if value, ok := new(big.Int).SetString(p.PriceRaw, 10); ok {
			p.Price = value
		}
	}
}

// Store 抽象购买记录的持久化接口。实现必须满足两条约束：
// Create 在 txHash 已存在时返回 ErrTxHashUsed；Transition 必须是以
// 旧状态为条件的单次原子更新，并发的 Confirm 与 Refund 只能有一个成功。
type Store interface {
	Create(ctx context.Context, purchase *EscrowedPurchase) error
	Get(ctx context.Context, id string) (*EscrowedPurchase, error)
	Transition(ctx context.Context, id string, from, to Status, releaseTxHash string) error
	ListByAgent(ctx context.Context, agentPublicKey string, limit int) ([]*EscrowedPurchase, error)
	Close() error
}

var (
	// ErrPurchaseNotFound 表示指定的购买记录不存在。
	ErrPurchaseNotFound = xerrors.New(CodePurchaseNotFound, "purchase not found")
	// ErrTxHashUsed 表示该链上交易已经兑换过一次购买。
	ErrTxHashUsed = xerrors.New(CodeTxHashUsed, "transaction hash already used")
	// ErrWrongState 表示购买当前状态不允许所请求的转移。
	ErrWrongState = xerrors.New(CodeWrongState, "purchase not in escrowed state")
	// ErrWrongRole 表示调用方不是该操作要求的角色。
	ErrWrongRole = xerrors.New(CodeWrongRole, "caller not permitted for this transition")
	// ErrRequirementUnknown 表示支付要求不存在或已过期。
	ErrRequirementUnknown = xerrors.New(CodeRequirementUnknown, "payment requirement unknown or expired")
	// ErrRequirementMismatch 表示请求与存储的支付要求不一致。
	ErrRequirementMismatch = xerrors.New(CodeRequirementMismatch, "payment requirement binding mismatch")
	// ErrPaymentInvalid 表示链上核验未通过。
	ErrPaymentInvalid = xerrors.New(CodePaymentInvalid, "payment verification failed")
	// ErrTransferFailed 表示托管转账失败，状态保持不变，可重试。
	ErrTransferFailed = xerrors.New(CodeTransferFailed, "custodial transfer failed", xerrors.WithRetryable(true))
)

const (
	CodePurchaseNotFound    xerrors.Code = "PURCHASE_NOT_FOUND"
	CodeTxHashUsed          xerrors.Code = "PAYMENT_TX_REUSED"
	CodeWrongState          xerrors.Code = "ESCROW_WRONG_STATE"
	CodeWrongRole           xerrors.Code = "ESCROW_WRONG_ROLE"
	CodeRequirementUnknown  xerrors.Code = "PAYMENT_REQUIREMENT_UNKNOWN"
	CodeRequirementMismatch xerrors.Code = "PAYMENT_REQUIREMENT_MISMATCH"
	CodePaymentInvalid      xerrors.Code = "PAYMENT_INVALID"
	CodeTransferFailed      xerrors.Code = "ESCROW_TRANSFER_FAILED"
)

func init() {
	xerrors.Register(CodePurchaseNotFound, xerrors.Attributes{
		Message:   "purchase not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTxHashUsed, xerrors.Attributes{
		Message:   "transaction hash already used",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWrongState, xerrors.Attributes{
		Message:   "purchase not in escrowed state",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWrongRole, xerrors.Attributes{
		Message:   "caller not permitted for this transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequirementUnknown, xerrors.Attributes{
		Message:   "payment requirement unknown or expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequirementMismatch, xerrors.Attributes{
		Message:   "payment requirement binding mismatch",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentInvalid, xerrors.Attributes{
		Message:   "payment verification failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransferFailed, xerrors.Attributes{
		Message:   "custodial transfer failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
