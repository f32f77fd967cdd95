package agentauth

import (
	"context"
	"sync"
	"time"
)

// MemoryReplayGuard 在进程内存中记录已消费的 (公钥, nonce) 组合。
// 仅适用于单实例部署：进程重启或水平扩容都会丢失状态，
// 多实例场景必须使用 RedisReplayGuard。
type MemoryReplayGuard struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewMemoryReplayGuard 创建内存重放保护。
func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{
		seen:   make(map[string]time.Time),
		window: ReplayWindow,
		now:    time.Now,
	}
}

// CheckAndConsume 实现 ReplayGuard。查重与写入在同一临界区内完成。
func (g *MemoryReplayGuard) CheckAndConsume(_ context.Context, publicKey, nonce string) error {
	key := publicKey + "||" + nonce
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if first, ok := g.seen[key]; ok && now.Sub(first) <= g.window {
		return ErrNonceReused
	}
	g.seen[key] = now
	return nil
}

// StartSweeper 启动后台清理协程，按固定周期移除窗口外的记录，
// 直到上下文取消。
func (g *MemoryReplayGuard) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sweep()
			}
		}
	}()
}

func (g *MemoryReplayGuard) sweep() {
	cutoff := g.now().Add(-g.window)
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, first := range g.seen {
		if first.Before(cutoff) {
			delete(g.seen, key)
		}
	}
}

// size 返回当前记录数，供测试观察清理效果。
func (g *MemoryReplayGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
