package agentauth

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"testing"
	"time"
)

func newTestService(t *testing.T, seeds []AgentIdentity) (*Service, *MemoryReplayGuard) {
	t.Helper()
	guard := NewMemoryReplayGuard()
	service, err := NewService(NewMemoryRegistry(seeds), guard)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, guard
}

func signedEnvelope(t *testing.T, priv ed25519.PrivateKey, rawKey string, ts int64, nonce string) SignedEnvelope {
	t.Helper()
	message := CanonicalMessage(rawKey, ts, nonce)
	sig := ed25519.Sign(priv, message)
	return SignedEnvelope{
		AgentPublicKey: rawKey,
		Timestamp:      &ts,
		Nonce:          nonce,
		Signature:      hex.EncodeToString(sig),
	}
}

func TestAuthenticateSuccessAllKeyFormats(t *testing.T) {
	pub, priv := generateKeyPair(t)
	ctx := context.Background()

	for _, format := range []KeyFormat{KeyFormatHex0x, KeyFormatHex, KeyFormatBase64Raw, KeyFormatBase64SPKI} {
		rawKey := encodeKey(t, pub, format)
		service, _ := newTestService(t, []AgentIdentity{{
			PublicKey: rawKey,
			HumanID:   "human-1",
		}})

		env := signedEnvelope(t, priv, rawKey, time.Now().UnixMilli(), "nonce-"+string(format))
		identity, err := service.Authenticate(ctx, env)
		if err != nil {
			t.Fatalf("authenticate with %s: %v", format, err)
		}
		if identity.HumanID != "human-1" {
			t.Fatalf("unexpected identity: %+v", identity)
		}
	}
}

func TestAuthenticateMissingFields(t *testing.T) {
	service, _ := newTestService(t, nil)
	ts := time.Now().UnixMilli()

	cases := []SignedEnvelope{
		{},
		{AgentPublicKey: "pk", Timestamp: &ts, Nonce: "abc12345"},
		{AgentPublicKey: "pk", Nonce: "abc12345", Signature: "sig"},
		{Timestamp: &ts, Nonce: "abc12345", Signature: "sig"},
		{AgentPublicKey: "pk", Timestamp: &ts, Signature: "sig"},
	}
	for i, env := range cases {
		if _, err := service.Authenticate(context.Background(), env); !errors.Is(err, ErrMissingFields) {
			t.Fatalf("case %d: expected ErrMissingFields, got %v", i, err)
		}
	}
}

func TestAuthenticateTimestampWindow(t *testing.T) {
	pub, priv := generateKeyPair(t)
	rawKey := hex.EncodeToString(pub)
	service, _ := newTestService(t, []AgentIdentity{{PublicKey: rawKey, HumanID: "human-1"}})

	now := time.Now()
	service.now = func() time.Time { return now }

	// 恰好 5 分钟偏移是窗口内的合法请求（含边界）。
	for i, ts := range []int64{
		now.Add(-ReplayWindow).UnixMilli(),
		now.Add(ReplayWindow).UnixMilli(),
	} {
		env := signedEnvelope(t, priv, rawKey, ts, "boundary-nonce-"+string(rune('a'+i)))
		if _, err := service.Authenticate(context.Background(), env); err != nil {
			t.Fatalf("boundary timestamp %d rejected: %v", ts, err)
		}
	}

	for _, ts := range []int64{
		now.Add(-ReplayWindow - time.Second).UnixMilli(),
		now.Add(ReplayWindow + time.Second).UnixMilli(),
	} {
		env := signedEnvelope(t, priv, rawKey, ts, "expired-nonce-12")
		if _, err := service.Authenticate(context.Background(), env); !errors.Is(err, ErrExpired) {
			t.Fatalf("timestamp %d: expected ErrExpired, got %v", ts, err)
		}
	}
}

func TestAuthenticateNonceLength(t *testing.T) {
	pub, priv := generateKeyPair(t)
	rawKey := hex.EncodeToString(pub)
	service, _ := newTestService(t, []AgentIdentity{{PublicKey: rawKey, HumanID: "human-1"}})

	short := signedEnvelope(t, priv, rawKey, time.Now().UnixMilli(), "short")
	if _, err := service.Authenticate(context.Background(), short); !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("expected ErrInvalidNonce, got %v", err)
	}

	long := make([]byte, NonceMaxLen+1)
	for i := range long {
		long[i] = 'a'
	}
	tooLong := signedEnvelope(t, priv, rawKey, time.Now().UnixMilli(), string(long))
	if _, err := service.Authenticate(context.Background(), tooLong); !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("expected ErrInvalidNonce, got %v", err)
	}
}

// 长度限制按字符数而非字节数：7 个汉字（21 字节）太短，
// 8 个汉字（24 字节）合法。
func TestAuthenticateNonceLengthCountsRunes(t *testing.T) {
	pub, priv := generateKeyPair(t)
	rawKey := hex.EncodeToString(pub)
	service, _ := newTestService(t, []AgentIdentity{{PublicKey: rawKey, HumanID: "human-1"}})

	sevenRunes := signedEnvelope(t, priv, rawKey, time.Now().UnixMilli(), "随机数随机数七")
	if _, err := service.Authenticate(context.Background(), sevenRunes); !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("7-rune nonce: expected ErrInvalidNonce, got %v", err)
	}

	eightRunes := signedEnvelope(t, priv, rawKey, time.Now().UnixMilli(), "随机数随机数七八")
	if _, err := service.Authenticate(context.Background(), eightRunes); err != nil {
		t.Fatalf("8-rune nonce rejected: %v", err)
	}
}

func TestAuthenticateReplayRejected(t *testing.T) {
	pub, priv := generateKeyPair(t)
	rawKey := hex.EncodeToString(pub)
	service, _ := newTestService(t, []AgentIdentity{{PublicKey: rawKey, HumanID: "human-1"}})

	env := signedEnvelope(t, priv, rawKey, time.Now().UnixMilli(), "replay-nonce-1")
	if _, err := service.Authenticate(context.Background(), env); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := service.Authenticate(context.Background(), env); !errors.Is(err, ErrNonceReused) {
		t.Fatalf("expected ErrNonceReused, got %v", err)
	}
}

// 格式正确但签名错误的请求也要烧掉 nonce，攻击者不能用同一个
// nonce 反复试探签名。
func TestAuthenticateBadSignatureBurnsNonce(t *testing.T) {
	pub, priv := generateKeyPair(t)
	rawKey := hex.EncodeToString(pub)
	service, _ := newTestService(t, []AgentIdentity{{PublicKey: rawKey, HumanID: "human-1"}})

	ts := time.Now().UnixMilli()
	env := signedEnvelope(t, priv, rawKey, ts, "burned-nonce-1")
	env.Signature = hex.EncodeToString(make([]byte, ed25519.SignatureSize))
	if _, err := service.Authenticate(context.Background(), env); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	valid := signedEnvelope(t, priv, rawKey, ts, "burned-nonce-1")
	if _, err := service.Authenticate(context.Background(), valid); !errors.Is(err, ErrNonceReused) {
		t.Fatalf("expected ErrNonceReused after burned nonce, got %v", err)
	}
}

func TestAuthenticateUnknownAndUnlinked(t *testing.T) {
	pub, priv := generateKeyPair(t)
	rawKey := hex.EncodeToString(pub)

	service, _ := newTestService(t, nil)
	env := signedEnvelope(t, priv, rawKey, time.Now().UnixMilli(), "unknown-nonce-1")
	if _, err := service.Authenticate(context.Background(), env); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}

	service, _ = newTestService(t, []AgentIdentity{{PublicKey: rawKey}})
	env = signedEnvelope(t, priv, rawKey, time.Now().UnixMilli(), "unlinked-nonce-1")
	if _, err := service.Authenticate(context.Background(), env); !errors.Is(err, ErrUnlinked) {
		t.Fatalf("expected ErrUnlinked, got %v", err)
	}
}

func TestAuthenticateAPIKey(t *testing.T) {
	service, _ := newTestService(t, []AgentIdentity{{
		PublicKey: "pk-1",
		HumanID:   "human-1",
		APIKey:    "secret-key",
	}})
	ctx := context.Background()

	identity, err := service.AuthenticateAPIKey(ctx, "Bearer secret-key")
	if err != nil {
		t.Fatalf("authenticate api key: %v", err)
	}
	if identity.PublicKey != "pk-1" {
		t.Fatalf("unexpected identity: %+v", identity)
	}

	// 方案名大小写不敏感。
	if _, err := service.AuthenticateAPIKey(ctx, "bearer secret-key"); err != nil {
		t.Fatalf("lowercase scheme rejected: %v", err)
	}

	if _, err := service.AuthenticateAPIKey(ctx, ""); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if _, err := service.AuthenticateAPIKey(ctx, "Basic secret-key"); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey for wrong scheme, got %v", err)
	}
	if _, err := service.AuthenticateAPIKey(ctx, "Bearer wrong"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got %v", err)
	}
}
