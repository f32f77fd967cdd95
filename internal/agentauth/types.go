package agentauth

import (
	"context"
	"time"

	xerrors "selfclaw/internal/errors"
)

// 协议常量。时间窗口与 nonce 长度边界是重放保护协议的一部分，
// 客户端与服务端必须一致。
const (
	// ReplayWindow 是签名请求时间戳允许的最大偏移（含边界）。
	ReplayWindow = 5 * time.Minute
	// SweepInterval 是清理过期 nonce 记录的周期。
	SweepInterval = 60 * time.Second
	// NonceMinLen 和 NonceMaxLen 限定调用方自选 nonce 的长度。
	NonceMinLen = 8
	NonceMaxLen = 64
)

// AgentIdentity 是注册表中的智能体身份。
type AgentIdentity struct {
	// PublicKey 是注册时登记的公钥原文，全局唯一。
	PublicKey string `json:"agentPublicKey"`
	// HumanID 是拥有该智能体的主体。
	HumanID string `json:"humanId"`
	// APIKey 供简化的 Bearer 认证路径使用，可为空。
	APIKey string `json:"-"`
	// WalletAddress 是该智能体收付款的链上地址。
	WalletAddress string `json:"walletAddress,omitempty"`
}

// Registry 抽象智能体注册表。实现必须可以并发使用。
type Registry interface {
	FindByPublicKey(ctx context.Context, publicKey string) (*AgentIdentity, error)
	FindByAPIKey(ctx context.Context, apiKey string) (*AgentIdentity, error)
}

// SignedEnvelope 是签名请求的公共字段。签名只覆盖
// agentPublicKey、timestamp、nonce 三元组，业务字段不在签名范围内。
type SignedEnvelope struct {
	AgentPublicKey string `json:"agentPublicKey"`
	// Timestamp 是毫秒级 Unix 时间戳。指针用于区分缺失与零值。
	Timestamp *int64 `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// ReplayGuard 记录已消费的 (公钥, nonce) 组合。CheckAndConsume 必须
// 原子地完成查重与写入，两个携带相同 nonce 的并发请求不能同时通过。
type ReplayGuard interface {
	CheckAndConsume(ctx context.Context, publicKey, nonce string) error
}

var (
	// ErrMissingFields 表示请求缺少必要的签名字段。
	ErrMissingFields = xerrors.New(CodeAuthMissingFields, "missing signature fields")
	// ErrExpired 表示时间戳超出允许窗口。
	ErrExpired = xerrors.New(CodeAuthExpired, "timestamp outside allowed window")
	// ErrInvalidNonce 表示 nonce 长度不合法。
	ErrInvalidNonce = xerrors.New(CodeAuthInvalidNonce, "nonce length out of range")
	// ErrNonceReused 表示 (公钥, nonce) 组合已被消费。
	ErrNonceReused = xerrors.New(CodeAuthNonceReused, "nonce already used")
	// ErrInvalidEncoding 表示公钥或签名无法解码为合法形态。
	ErrInvalidEncoding = xerrors.New(CodeAuthInvalidEncoding, "key or signature encoding invalid")
	// ErrBadSignature 表示签名校验失败。
	ErrBadSignature = xerrors.New(CodeAuthBadSignature, "signature verification failed")
	// ErrUnknownAgent 表示公钥未注册。
	ErrUnknownAgent = xerrors.New(CodeAuthUnknownAgent, "agent not registered")
	// ErrUnlinked 表示智能体未绑定所属主体。
	ErrUnlinked = xerrors.New(CodeAuthUnlinked, "agent not linked to a human")
	// ErrMissingAPIKey 表示 Bearer 认证缺少令牌。
	ErrMissingAPIKey = xerrors.New(CodeAuthMissingAPIKey, "missing bearer token")
	// ErrInvalidAPIKey 表示 Bearer 令牌无效。
	ErrInvalidAPIKey = xerrors.New(CodeAuthInvalidAPIKey, "invalid api key")
)

const (
	CodeAuthMissingFields   xerrors.Code = "AUTH_MISSING_FIELDS"
	CodeAuthExpired         xerrors.Code = "AUTH_EXPIRED"
	CodeAuthInvalidNonce    xerrors.Code = "AUTH_INVALID_NONCE"
	CodeAuthNonceReused     xerrors.Code = "AUTH_NONCE_REUSED"
	CodeAuthInvalidEncoding xerrors.Code = "AUTH_INVALID_ENCODING"
	CodeAuthBadSignature    xerrors.Code = "AUTH_BAD_SIGNATURE"
	CodeAuthUnknownAgent    xerrors.Code = "AUTH_UNKNOWN_AGENT"
	CodeAuthUnlinked        xerrors.Code = "AUTH_UNLINKED"
	CodeAuthMissingAPIKey   xerrors.Code = "AUTH_MISSING_API_KEY"
	CodeAuthInvalidAPIKey   xerrors.Code = "AUTH_INVALID_API_KEY"
)

func init() {
	authAttrs := xerrors.Attributes{
		Message:   "authentication failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	}
	for _, code := range []xerrors.Code{
		CodeAuthMissingFields,
		CodeAuthExpired,
		CodeAuthInvalidNonce,
		CodeAuthInvalidEncoding,
		CodeAuthUnknownAgent,
		CodeAuthUnlinked,
		CodeAuthMissingAPIKey,
		CodeAuthInvalidAPIKey,
	} {
		xerrors.Register(code, authAttrs)
	}
	xerrors.Register(CodeAuthNonceReused, xerrors.Attributes{
		Message:   "nonce already used",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAuthBadSignature, xerrors.Attributes{
		Message:   "signature verification failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
