package agentauth

import "context"

// identityKey 是上下文中存储 AgentIdentity 的键类型。
type identityKey struct{}

// WithIdentity 将经过认证的智能体身份存储到上下文中。
func WithIdentity(ctx context.Context, identity *AgentIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext 从上下文中提取经过认证的智能体身份。
func IdentityFromContext(ctx context.Context) *AgentIdentity {
	if ctx == nil {
		return nil
	}
	if identity, ok := ctx.Value(identityKey{}).(*AgentIdentity); ok {
		return identity
	}
	return nil
}
