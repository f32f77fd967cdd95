package commerce

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
)

// MemorySkillCatalog provides an in-memory SkillResolver, intended for
// development and testing scenarios. The production catalog lives behind
// the marketplace routes.
type MemorySkillCatalog struct {
	mu     sync.RWMutex
	offers map[string]*SkillOffer
}

// NewMemorySkillCatalog initialises the catalog with the provided offers.
func NewMemorySkillCatalog(offers []SkillOffer) *MemorySkillCatalog {
	catalog := &MemorySkillCatalog{offers: make(map[string]*SkillOffer)}
	for _, offer := range offers {
		catalog.put(offer)
	}
	return catalog
}

// Put adds or replaces an offer.
func (c *MemorySkillCatalog) Put(offer SkillOffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(offer)
}

func (c *MemorySkillCatalog) put(offer SkillOffer) {
	skillID := strings.TrimSpace(offer.SkillID)
	if skillID == "" {
		return
	}
	clone := offer
	if clone.Price == nil {
		clone.Price = big.NewInt(0)
	} else {
		clone.Price = new(big.Int).Set(offer.Price)
	}
	c.offers[skillID] = &clone
}

// ResolveSkill implements SkillResolver.
func (c *MemorySkillCatalog) ResolveSkill(_ context.Context, skillID string) (*SkillOffer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if offer, ok := c.offers[strings.TrimSpace(skillID)]; ok {
		clone := *offer
		clone.Price = new(big.Int).Set(offer.Price)
		return &clone, nil
	}
	return nil, errors.New("skill not found")
}
