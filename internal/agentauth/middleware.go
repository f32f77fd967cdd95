package agentauth

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	loggerpkg "selfclaw/pkg/logger"
)

// MiddlewareConfig 配置签名请求中间件的行为。
type MiddlewareConfig struct {
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
	// MaxBodyBytes 限制请求体大小，0 使用默认值。
	MaxBodyBytes int64
}

const defaultMaxBodyBytes = 1 << 20

// authFailure 是认证失败时返回给客户端的结构。hint 给出服务端
// 期望被签名的规范消息原文，便于调用方排查签名实现。
type authFailure struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// Middleware 返回一个 HTTP 中间件，校验签名信封并把身份注入上下文。
// 请求体在校验后会被原样恢复，下游处理器可以继续解析业务字段。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	maxBytes := cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
			if err != nil {
				writeAuthFailure(w, "request body unreadable", "")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			var env SignedEnvelope
			if err := json.Unmarshal(body, &env); err != nil {
				writeAuthFailure(w, ErrMissingFields.Message(), "")
				return
			}

			identity, err := s.Authenticate(r.Context(), env)
			if err != nil {
				hint := ""
				if env.AgentPublicKey != "" && env.Timestamp != nil && env.Nonce != "" {
					hint = "expected signed message: " + string(CanonicalMessage(env.AgentPublicKey, *env.Timestamp, env.Nonce))
				}
				writeAuthFailure(w, err.Error(), hint)
				s.auditLogger().Warn("agent_auth_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"error", err.Error(),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithIdentity(r.Context(), identity)
			next.ServeHTTP(aw, r.WithContext(ctx))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.auditLogger().Info("agent_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"agent", identity.PublicKey,
			)
		})
	}
}

// APIKeyMiddleware 返回校验 Bearer 令牌的中间件，供托管生命周期端点使用。
func (s *Service) APIKeyMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := s.AuthenticateAPIKey(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				writeAuthFailure(w, err.Error(), "")
				s.auditLogger().Warn("api_key_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"error", err.Error(),
				)
				return
			}
			ctx := WithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Service) auditLogger() interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
} {
	if s.audit != nil {
		return s.audit
	}
	return loggerpkg.Audit()
}

func writeAuthFailure(w http.ResponseWriter, message, hint string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(authFailure{Error: message, Hint: hint})
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
