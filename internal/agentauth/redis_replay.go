package agentauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "selfclaw/internal/errors"
)

// RedisReplayGuardConfig 描述 Redis 重放保护的连接参数。
type RedisReplayGuardConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisReplayGuard 将已消费的 nonce 记录写入 Redis，由 SET NX 保证
// 查重与写入的原子性，TTL 即重放窗口。多实例部署共享同一份状态，
// 无需进程内清理协程。
type RedisReplayGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisReplayGuard 创建 Redis 重放保护实例。
func NewRedisReplayGuard(cfg RedisReplayGuardConfig) (*RedisReplayGuard, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "selfclaw:nonce:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisReplayGuard{client: client, prefix: prefix}, nil
}

// CheckAndConsume 实现 ReplayGuard。
func (g *RedisReplayGuard) CheckAndConsume(ctx context.Context, publicKey, nonce string) error {
	key := g.prefix + publicKey + "||" + nonce
	set, err := g.client.SetNX(ctx, key, 1, ReplayWindow).Result()
	if err != nil {
		// Redis 不可用时拒绝请求：宁可误拒也不放过重放。
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "重放保护存储不可用")
	}
	if !set {
		return ErrNonceReused
	}
	return nil
}

// Close 关闭 Redis 连接。
func (g *RedisReplayGuard) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}
