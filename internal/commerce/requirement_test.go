package commerce

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestIssuerConsumeOnce(t *testing.T) {
	issuer := NewIssuer(time.Minute)
	req := issuer.Create("seller", big.NewInt(100), "translate", "skill-1", "buyer")
	if req.Nonce == "" {
		t.Fatal("expected a nonce")
	}

	got, err := issuer.Consume(req.Nonce)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Amount.Cmp(big.NewInt(100)) != 0 || got.SkillID != "skill-1" {
		t.Fatalf("unexpected requirement: %+v", got)
	}

	if _, err := issuer.Consume(req.Nonce); !errors.Is(err, ErrRequirementUnknown) {
		t.Fatalf("expected ErrRequirementUnknown, got %v", err)
	}
}

func TestIssuerExpiry(t *testing.T) {
	issuer := NewIssuer(time.Minute)
	current := time.Now()
	issuer.now = func() time.Time { return current }

	req := issuer.Create("seller", big.NewInt(100), "", "skill-1", "buyer")

	current = current.Add(2 * time.Minute)
	if _, err := issuer.Consume(req.Nonce); !errors.Is(err, ErrRequirementUnknown) {
		t.Fatalf("expected ErrRequirementUnknown for expired requirement, got %v", err)
	}
}

func TestIssuerRestoreRespectsExpiry(t *testing.T) {
	issuer := NewIssuer(time.Minute)
	current := time.Now()
	issuer.now = func() time.Time { return current }

	req := issuer.Create("seller", big.NewInt(100), "", "skill-1", "buyer")
	taken, err := issuer.Consume(req.Nonce)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	issuer.Restore(taken)
	if _, err := issuer.Consume(req.Nonce); err != nil {
		t.Fatalf("consume after restore: %v", err)
	}

	second := issuer.Create("seller", big.NewInt(100), "", "skill-1", "buyer")
	consumed, err := issuer.Consume(second.Nonce)
	if err != nil {
		t.Fatalf("consume second: %v", err)
	}
	// 过期的要求不会被放回。
	current = current.Add(2 * time.Minute)
	issuer.Restore(consumed)
	if _, err := issuer.Consume(consumed.Nonce); !errors.Is(err, ErrRequirementUnknown) {
		t.Fatalf("expected ErrRequirementUnknown, got %v", err)
	}
}

func TestIssuerSweepRemovesExpired(t *testing.T) {
	issuer := NewIssuer(time.Minute)
	current := time.Now()
	issuer.now = func() time.Time { return current }

	for i := 0; i < 10; i++ {
		issuer.Create("seller", big.NewInt(100), "", "skill-1", "buyer")
	}
	current = current.Add(2 * time.Minute)
	issuer.sweep()

	issuer.mu.Lock()
	remaining := len(issuer.requirements)
	issuer.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected sweep to remove all requirements, got %d", remaining)
	}
}
