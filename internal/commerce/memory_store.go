package commerce

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 在进程内存中保存购买记录。仅用于开发与测试：
// 财务义务凭证在生产部署必须落到持久化存储。
type MemoryStore struct {
	mu        sync.Mutex
	purchases map[string]*EscrowedPurchase
	byTxHash  map[string]string
}

// NewMemoryStore 创建内存购买仓库。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases: make(map[string]*EscrowedPurchase),
		byTxHash:  make(map[string]string),
	}
}

// Create 实现 Store。txHash 冲突时返回 ErrTxHashUsed。
func (s *MemoryStore) Create(_ context.Context, purchase *EscrowedPurchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if purchase.TxHash != "" {
		if _, used := s.byTxHash[purchase.TxHash]; used {
			return ErrTxHashUsed
		}
	}
	if _, exists := s.purchases[purchase.ID]; exists {
		return ErrTxHashUsed
	}
	now := time.Now().Unix()
	clone := *purchase
	clone.NormalizePrice()
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.purchases[clone.ID] = &clone
	if clone.TxHash != "" {
		s.byTxHash[clone.TxHash] = clone.ID
	}
	return nil
}

// Get 实现 Store。
func (s *MemoryStore) Get(_ context.Context, id string) (*EscrowedPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purchase, ok := s.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	clone := *purchase
	return &clone, nil
}

// Transition 实现 Store。状态检查与写入在同一临界区内完成。
func (s *MemoryStore) Transition(_ context.Context, id string, from, to Status, releaseTxHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	purchase, ok := s.purchases[id]
	if !ok {
		return ErrPurchaseNotFound
	}
	if purchase.Status != from {
		return ErrWrongState
	}
	purchase.Status = to
	purchase.ReleaseTxHash = releaseTxHash
	purchase.UpdatedAt = time.Now().Unix()
	return nil
}

// ListByAgent 实现 Store，返回该智能体作为买家或卖家的购买记录。
func (s *MemoryStore) ListByAgent(_ context.Context, agentPublicKey string, limit int) ([]*EscrowedPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var results []*EscrowedPurchase
	for _, purchase := range s.purchases {
		if purchase.BuyerPublicKey == agentPublicKey || purchase.SellerPublicKey == agentPublicKey {
			clone := *purchase
			results = append(results, &clone)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
