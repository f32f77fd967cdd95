package agentauth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"selfclaw/pkg/logger"
)

// Service 负责把原始签名请求转换为经过认证的智能体身份。
type Service struct {
	registry Registry
	guard    ReplayGuard
	audit    *slog.Logger
	now      func() time.Time
}

// NewService 构造签名请求认证服务。
func NewService(registry Registry, guard ReplayGuard) (*Service, error) {
	if registry == nil {
		return nil, errors.New("认证服务需要智能体注册表")
	}
	if guard == nil {
		return nil, errors.New("认证服务需要重放保护")
	}
	return &Service{
		registry: registry,
		guard:    guard,
		audit:    logger.Audit(),
		now:      time.Now,
	}, nil
}

// Authenticate 执行完整的签名请求校验流水线。
//
// 校验顺序是协议的一部分：字段齐全 → 时间窗口 → nonce 长度 →
// 消费 nonce → 解码 → 验签 → 注册表查找。nonce 在验签之前消费，
// 因此一个格式正确但签名错误的请求也会烧掉它的 nonce——这是有意为之，
// 攻击者无法针对同一个 nonce 反复试探签名。
func (s *Service) Authenticate(ctx context.Context, env SignedEnvelope) (*AgentIdentity, error) {
	if env.AgentPublicKey == "" || env.Signature == "" || env.Nonce == "" || env.Timestamp == nil {
		return nil, ErrMissingFields
	}

	ts := *env.Timestamp
	now := s.now().UnixMilli()
	if skew := now - ts; skew > ReplayWindow.Milliseconds() || -skew > ReplayWindow.Milliseconds() {
		return nil, ErrExpired
	}

	// 长度限制按字符数计，nonce 允许非 ASCII。
	if n := utf8.RuneCountInString(env.Nonce); n < NonceMinLen || n > NonceMaxLen {
		return nil, ErrInvalidNonce
	}

	if err := s.guard.CheckAndConsume(ctx, env.AgentPublicKey, env.Nonce); err != nil {
		return nil, err
	}

	publicKey, _, err := DecodePublicKey(env.AgentPublicKey)
	if err != nil {
		return nil, err
	}
	signature, _, err := DecodeSignature(env.Signature)
	if err != nil {
		return nil, err
	}

	message := CanonicalMessage(env.AgentPublicKey, ts, env.Nonce)
	if !VerifySignature(publicKey, signature, message) {
		s.audit.Warn("signature_rejected",
			"agent_public_key", env.AgentPublicKey,
			"nonce", env.Nonce,
		)
		return nil, ErrBadSignature
	}

	identity, err := s.registry.FindByPublicKey(ctx, env.AgentPublicKey)
	if err != nil || identity == nil {
		return nil, ErrUnknownAgent
	}
	if strings.TrimSpace(identity.HumanID) == "" {
		return nil, ErrUnlinked
	}
	return identity, nil
}

// AuthenticateAPIKey 校验简化的 Bearer 认证头，供托管生命周期端点使用。
func (s *Service) AuthenticateAPIKey(ctx context.Context, authorization string) (*AgentIdentity, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingAPIKey
	}
	key := strings.TrimSpace(parts[1])
	if key == "" {
		return nil, ErrMissingAPIKey
	}
	identity, err := s.registry.FindByAPIKey(ctx, key)
	if err != nil || identity == nil {
		return nil, ErrInvalidAPIKey
	}
	return identity, nil
}
