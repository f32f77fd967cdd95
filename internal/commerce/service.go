package commerce

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"selfclaw/internal/agentauth"
	xerrors "selfclaw/internal/errors"
	"selfclaw/internal/web3"
	"selfclaw/pkg/logger"
)

// SkillOffer 描述一个可购买的技能。技能目录本身由市场路由维护，
// 本层只消费它的只读视图。
type SkillOffer struct {
	SkillID         string
	SellerPublicKey string
	Price           *big.Int
	Description     string
}

// SkillResolver 抽象技能目录查询。
type SkillResolver interface {
	ResolveSkill(ctx context.Context, skillID string) (*SkillOffer, error)
}

// Config 描述商务服务的托管参数。
type Config struct {
	// EscrowAddress 是买家付款的托管地址。
	EscrowAddress string
	// PriceToken 标识计价代币。
	PriceToken string
	// RequirementTTL 是支付要求的有效期。
	RequirementTTL time.Duration
}

// Service 负责支付握手与托管生命周期的编排。
type Service struct {
	store     Store
	issuer    *Issuer
	verifier  *PaymentVerifier
	chain     web3.Client
	registry  agentauth.Registry
	publisher ActivityPublisher
	skills    SkillResolver

	escrowAddress string
	priceToken    string
	audit         *slog.Logger
}

// NewService 构造商务服务。
func NewService(cfg Config, store Store, chain web3.Client, registry agentauth.Registry, skills SkillResolver, publisher ActivityPublisher) (*Service, error) {
	if store == nil {
		return nil, errors.New("商务服务需要购买存储")
	}
	if chain == nil {
		return nil, errors.New("商务服务需要链客户端")
	}
	if registry == nil {
		return nil, errors.New("商务服务需要智能体注册表")
	}
	if skills == nil {
		return nil, errors.New("商务服务需要技能目录")
	}
	if strings.TrimSpace(cfg.EscrowAddress) == "" {
		return nil, errors.New("未配置托管地址")
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Service{
		store:         store,
		issuer:        NewIssuer(cfg.RequirementTTL),
		verifier:      NewPaymentVerifier(chain),
		chain:         chain,
		registry:      registry,
		publisher:     publisher,
		skills:        skills,
		escrowAddress: cfg.EscrowAddress,
		priceToken:    cfg.PriceToken,
		audit:         logger.Audit(),
	}, nil
}

// EscrowAddress 返回买家付款的托管地址。
func (s *Service) EscrowAddress() string { return s.escrowAddress }

// Start 启动支付要求的过期清理。
func (s *Service) Start(ctx context.Context) {
	s.issuer.StartSweeper(ctx, time.Minute)
}

// InitiatePurchase 处理未携带支付凭证的购买请求。
// 免费技能直接完成，不经过托管；付费技能返回一个新的支付要求。
func (s *Service) InitiatePurchase(ctx context.Context, buyer *agentauth.AgentIdentity, skillID string) (*EscrowedPurchase, *PaymentRequirement, error) {
	offer, err := s.resolveOffer(ctx, skillID)
	if err != nil {
		return nil, nil, err
	}

	if offer.Price == nil || offer.Price.Sign() == 0 {
		purchase := &EscrowedPurchase{
			ID:              uuid.NewString(),
			SkillID:         offer.SkillID,
			BuyerPublicKey:  buyer.PublicKey,
			SellerPublicKey: offer.SellerPublicKey,
			Price:           big.NewInt(0),
			PriceToken:      s.priceToken,
			Status:          StatusCompleted,
		}
		purchase.NormalizePrice()
		if err := s.store.Create(ctx, purchase); err != nil {
			return nil, nil, err
		}
		s.audit.Info("purchase_free",
			"purchase_id", purchase.ID,
			"skill_id", offer.SkillID,
			"buyer", buyer.PublicKey,
		)
		return purchase, nil, nil
	}

	req := s.issuer.Create(offer.SellerPublicKey, offer.Price, offer.Description, offer.SkillID, buyer.PublicKey)
	return nil, req, nil
}

// SettlePurchase 消费支付要求、核验链上付款并创建托管购买记录。
// 支付要求是一次性的：只有核验成功才算真正消费；绑定不符或核验
// 失败会把要求放回，客户端可以重试。
func (s *Service) SettlePurchase(ctx context.Context, buyer *agentauth.AgentIdentity, skillID, txHash, paymentNonce string) (*EscrowedPurchase, error) {
	// 链客户端按大小写不敏感解析交易哈希，查重前必须归一化，
	// 否则同一笔付款换一种大小写就能再次入账。
	txHash = NormalizeTxHash(txHash)

	req, err := s.issuer.Consume(paymentNonce)
	if err != nil {
		return nil, err
	}

	if req.SkillID != "" && skillID != "" && req.SkillID != skillID {
		s.issuer.Restore(req)
		return nil, ErrRequirementMismatch
	}
	if req.BuyerPublicKey != "" && req.BuyerPublicKey != buyer.PublicKey {
		s.issuer.Restore(req)
		return nil, ErrRequirementMismatch
	}

	if err := s.verifier.Verify(ctx, txHash, s.escrowAddress, req.Amount); err != nil {
		s.issuer.Restore(req)
		return nil, err
	}

	offer, err := s.resolveOffer(ctx, req.SkillID)
	if err != nil {
		s.issuer.Restore(req)
		return nil, err
	}

	purchase := &EscrowedPurchase{
		ID:              uuid.NewString(),
		SkillID:         offer.SkillID,
		BuyerPublicKey:  buyer.PublicKey,
		SellerPublicKey: offer.SellerPublicKey,
		Price:           new(big.Int).Set(req.Amount),
		PriceToken:      s.priceToken,
		TxHash:          txHash,
		Status:          StatusEscrowed,
	}
	purchase.NormalizePrice()
	if err := s.store.Create(ctx, purchase); err != nil {
		s.issuer.Restore(req)
		return nil, err
	}

	s.publishEvent(ctx, EventPurchaseEscrowed, purchase)
	s.audit.Info("purchase_escrowed",
		"purchase_id", purchase.ID,
		"skill_id", purchase.SkillID,
		"buyer", purchase.BuyerPublicKey,
		"seller", purchase.SellerPublicKey,
		"amount", purchase.PriceRaw,
		"tx_hash", txHash,
	)
	return purchase, nil
}

// Confirm 由买家把托管中的购买推进到 completed，并向卖家放款。
// 转账成功后才写回状态；写回是以 escrowed 为条件的单次更新，
// 并发的 Confirm/Refund 只会有一个成功。
func (s *Service) Confirm(ctx context.Context, caller *agentauth.AgentIdentity, purchaseID string) (*EscrowedPurchase, error) {
	purchase, err := s.store.Get(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if caller == nil || caller.PublicKey != purchase.BuyerPublicKey {
		return nil, ErrWrongRole
	}

	seller, err := s.registry.FindByPublicKey(ctx, purchase.SellerPublicKey)
	if err != nil || seller == nil || strings.TrimSpace(seller.WalletAddress) == "" {
		return nil, xerrors.New(CodeTransferFailed, "卖家未登记收款地址")
	}

	return s.release(ctx, purchase, StatusCompleted, seller.WalletAddress, EventPurchaseCompleted)
}

// Refund 由卖家把托管中的购买推进到 refunded，并向买家退款。
func (s *Service) Refund(ctx context.Context, caller *agentauth.AgentIdentity, purchaseID string) (*EscrowedPurchase, error) {
	purchase, err := s.store.Get(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if caller == nil || caller.PublicKey != purchase.SellerPublicKey {
		return nil, ErrWrongRole
	}

	buyer, err := s.registry.FindByPublicKey(ctx, purchase.BuyerPublicKey)
	if err != nil || buyer == nil || strings.TrimSpace(buyer.WalletAddress) == "" {
		return nil, xerrors.New(CodeTransferFailed, "买家未登记退款地址")
	}

	return s.release(ctx, purchase, StatusRefunded, buyer.WalletAddress, EventPurchaseRefunded)
}

// release 执行托管转账并条件写回状态。状态检查是转账前的最后一道
// 守卫；若写回发现状态已被并发请求改变，本次调用按状态冲突处理。
func (s *Service) release(ctx context.Context, purchase *EscrowedPurchase, to Status, wallet, event string) (*EscrowedPurchase, error) {
	if !purchase.Status.CanTransitionTo(to) {
		return nil, ErrWrongState
	}

	purchase.NormalizePrice()
	txHash, err := s.chain.SendTransfer(ctx, wallet, purchase.Price)
	if err != nil {
		// 状态保持 escrowed，调用方可重试。
		return nil, xerrors.Wrap(CodeTransferFailed, err, "托管转账失败")
	}

	if err := s.store.Transition(ctx, purchase.ID, StatusEscrowed, to, txHash); err != nil {
		if errors.Is(err, ErrWrongState) {
			// 并发的对手方转移已经落库。资金已经出账，必须告警对账。
			s.audit.Warn("escrow_transition_lost",
				"purchase_id", purchase.ID,
				"attempted_status", string(to),
				"release_tx_hash", txHash,
			)
		}
		return nil, err
	}

	purchase.Status = to
	purchase.ReleaseTxHash = txHash
	s.publishEvent(ctx, event, purchase)
	s.audit.Info("escrow_released",
		"purchase_id", purchase.ID,
		"status", string(to),
		"wallet", wallet,
		"amount", purchase.PriceRaw,
		"release_tx_hash", txHash,
	)
	return purchase, nil
}

// ChainStatus 返回链连接的摘要信息，供健康检查路由上报。
func (s *Service) ChainStatus(ctx context.Context) (web3.ChainSnapshot, error) {
	snapshot, err := s.chain.FetchChainSnapshot(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链状态失败")
	}
	return snapshot, nil
}

// ListPurchases 返回该智能体参与的购买记录。
func (s *Service) ListPurchases(ctx context.Context, caller *agentauth.AgentIdentity, limit int) ([]*EscrowedPurchase, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListByAgent(ctx, caller.PublicKey, limit)
}

func (s *Service) resolveOffer(ctx context.Context, skillID string) (*SkillOffer, error) {
	if strings.TrimSpace(skillID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "技能标识不能为空")
	}
	offer, err := s.skills.ResolveSkill(ctx, skillID)
	if err != nil || offer == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "技能不存在")
	}
	return offer, nil
}

func (s *Service) publishEvent(ctx context.Context, kind string, purchase *EscrowedPurchase) {
	event := ActivityEvent{
		Kind:       kind,
		PurchaseID: purchase.ID,
		SkillID:    purchase.SkillID,
		Buyer:      purchase.BuyerPublicKey,
		Seller:     purchase.SellerPublicKey,
		Amount:     purchase.PriceRaw,
		TxHash:     purchase.TxHash,
		OccurredAt: time.Now().Unix(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.L().Error("活动事件发布失败", slog.Any("error", err), slog.String("purchase_id", purchase.ID))
	}
}
