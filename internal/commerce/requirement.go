package commerce

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaymentRequirement 是一次性的、短时效的支付义务描述。
// Nonce 是支付握手的查找键，与签名请求的 nonce 无关。
type PaymentRequirement struct {
	Nonce          string
	SellerAddress  string
	Amount         *big.Int
	Description    string
	SkillID        string
	BuyerPublicKey string
	ExpiresAt      time.Time
}

// Issuer 签发并登记支付要求。要求保存在进程内存中：握手的两次
// HTTP 调用必须命中同一实例，到期或消费后即删除。
type Issuer struct {
	mu           sync.Mutex
	requirements map[string]*PaymentRequirement
	ttl          time.Duration
	now          func() time.Time
}

// NewIssuer 创建支付要求签发器。
func NewIssuer(ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Issuer{
		requirements: make(map[string]*PaymentRequirement),
		ttl:          ttl,
		now:          time.Now,
	}
}

// Create 生成一个新的支付要求并登记待消费。
func (i *Issuer) Create(sellerAddress string, amount *big.Int, description, skillID, buyerPublicKey string) *PaymentRequirement {
	req := &PaymentRequirement{
		Nonce:          uuid.NewString(),
		SellerAddress:  sellerAddress,
		Amount:         new(big.Int).Set(amount),
		Description:    description,
		SkillID:        skillID,
		BuyerPublicKey: buyerPublicKey,
		ExpiresAt:      i.now().Add(i.ttl),
	}
	i.mu.Lock()
	i.requirements[req.Nonce] = req
	i.mu.Unlock()
	return req
}

// Consume 原子地取出并删除指定的支付要求。未知或过期的 nonce
// 返回 ErrRequirementUnknown；成功取出后同一 nonce 不可再次消费。
func (i *Issuer) Consume(nonce string) (*PaymentRequirement, error) {
	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		return nil, ErrRequirementUnknown
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	req, ok := i.requirements[nonce]
	if !ok {
		return nil, ErrRequirementUnknown
	}
	delete(i.requirements, nonce)
	if i.now().After(req.ExpiresAt) {
		return nil, ErrRequirementUnknown
	}
	return req, nil
}

// Restore 把一个已取出的支付要求放回登记表。消费后核验失败时调用，
// 客户端可以就同一要求重试支付。
func (i *Issuer) Restore(req *PaymentRequirement) {
	if req == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.now().Before(req.ExpiresAt) {
		i.requirements[req.Nonce] = req
	}
}

// StartSweeper 启动后台清理协程，周期性移除过期的支付要求。
func (i *Issuer) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				i.sweep()
			}
		}
	}()
}

func (i *Issuer) sweep() {
	now := i.now()
	i.mu.Lock()
	defer i.mu.Unlock()
	for nonce, req := range i.requirements {
		if now.After(req.ExpiresAt) {
			delete(i.requirements, nonce)
		}
	}
}
