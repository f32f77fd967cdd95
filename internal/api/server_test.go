package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"selfclaw/internal/agentauth"
	"selfclaw/internal/commerce"
	"selfclaw/internal/web3"
)

const (
	testEscrowAddress = "0xE5C20000000000000000000000000000000000AA"
	buyerAPIKey       = "buyer-api-key"
	sellerAPIKey      = "seller-api-key"
)

type stubChain struct {
	mu        sync.Mutex
	transfers map[string]*web3.TransferRecord
	sendSeq   int
	snapshot  web3.ChainSnapshot
	statusErr error
}

func newStubChain() *stubChain {
	return &stubChain{transfers: make(map[string]*web3.TransferRecord)}
}

func (c *stubChain) addTransfer(hash, to string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers[hash] = &web3.TransferRecord{Hash: hash, To: to, Value: big.NewInt(value), Confirmed: true}
}

func (c *stubChain) TransferByHash(_ context.Context, txHash string) (*web3.TransferRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.transfers[txHash]
	if !ok {
		return nil, errors.New("transaction not found")
	}
	clone := *record
	return &clone, nil
}

func (c *stubChain) SendTransfer(context.Context, string, *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendSeq++
	return fmt.Sprintf("0xrelease%04d", c.sendSeq), nil
}

func (c *stubChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return web3.ChainSnapshot{}, c.statusErr
	}
	return c.snapshot, nil
}

func (c *stubChain) Close() {}

type testEnv struct {
	server    *httptest.Server
	chain     *stubChain
	buyerKey  string
	buyerPriv ed25519.PrivateKey
	sellerKey string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	buyerPub, buyerPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate buyer key: %v", err)
	}
	sellerPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate seller key: %v", err)
	}

	buyerKey := hex.EncodeToString(buyerPub)
	sellerKey := hex.EncodeToString(sellerPub)

	registry := agentauth.NewMemoryRegistry([]agentauth.AgentIdentity{
		{PublicKey: buyerKey, HumanID: "human-buyer", APIKey: buyerAPIKey, WalletAddress: "0xbuyerwallet"},
		{PublicKey: sellerKey, HumanID: "human-seller", APIKey: sellerAPIKey, WalletAddress: "0xsellerwallet"},
	})

	authService, err := agentauth.NewService(registry, agentauth.NewMemoryReplayGuard())
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}

	chain := newStubChain()
	catalog := commerce.NewMemorySkillCatalog([]commerce.SkillOffer{
		{SkillID: "paid-skill", SellerPublicKey: sellerKey, Price: big.NewInt(100), Description: "translate"},
		{SkillID: "free-skill", SellerPublicKey: sellerKey, Price: big.NewInt(0)},
	})
	commerceService, err := commerce.NewService(commerce.Config{
		EscrowAddress:  testEscrowAddress,
		PriceToken:     "SELF",
		RequirementTTL: time.Minute,
	}, commerce.NewMemoryStore(), chain, registry, catalog, commerce.NopPublisher{})
	if err != nil {
		t.Fatalf("commerce service: %v", err)
	}

	server := httptest.NewServer(NewServer("", authService, commerceService).Handler())
	t.Cleanup(server.Close)

	return &testEnv{
		server:    server,
		chain:     chain,
		buyerKey:  buyerKey,
		buyerPriv: buyerPriv,
		sellerKey: sellerKey,
	}
}

// signedBody 构造携带合法签名信封的请求体。
func (e *testEnv) signedBody(t *testing.T, nonce string, extra map[string]any) []byte {
	t.Helper()
	ts := time.Now().UnixMilli()
	message := agentauth.CanonicalMessage(e.buyerKey, ts, nonce)
	sig := ed25519.Sign(e.buyerPriv, message)

	payload := map[string]any{
		"agentPublicKey": e.buyerKey,
		"timestamp":      ts,
		"nonce":          nonce,
		"signature":      hex.EncodeToString(sig),
	}
	for key, value := range extra {
		payload[key] = value
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func (e *testEnv) post(t *testing.T, path string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, buf.Bytes()
}

func TestVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.post(t, "/api/v1/agents/verify", env.signedBody(t, "verify-nonce-1", nil), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var result verifyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result.Verified || result.HumanID != "human-buyer" {
		t.Fatalf("unexpected response: %+v", result)
	}
}

func TestVerifyEndpointRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	body := env.signedBody(t, "badsig-nonce-1", nil)
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	payload["signature"] = hex.EncodeToString(make([]byte, ed25519.SignatureSize))
	tampered, _ := json.Marshal(payload)

	resp, respBody := env.post(t, "/api/v1/agents/verify", tampered, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var failure struct {
		Error string `json:"error"`
		Hint  string `json:"hint"`
	}
	if err := json.Unmarshal(respBody, &failure); err != nil {
		t.Fatalf("unmarshal failure: %v", err)
	}
	// hint 给出服务端期望被签名的规范消息原文。
	if failure.Hint == "" {
		t.Fatal("expected a canonical-message hint")
	}
}

func TestReplayRejectedOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	body := env.signedBody(t, "http-replay-01", nil)

	resp, _ := env.post(t, "/api/v1/agents/verify", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = env.post(t, "/api/v1/agents/verify", body, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed request: expected 401, got %d", resp.StatusCode)
	}
}

// 完整购买场景：402 要求 → 链上付款 → 携带支付头重试 → 托管 →
// 买家确认 → 完成。
func TestPurchaseHandshakeEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	// 第一次调用没有支付头，返回 402 与支付要求。
	resp, body := env.post(t, "/api/v1/skills/purchase",
		env.signedBody(t, "purchase-nonce-1", map[string]any{"skillId": "paid-skill"}), nil)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-SELFCLAW-RECIPIENT"); got != testEscrowAddress {
		t.Fatalf("unexpected recipient header: %s", got)
	}
	var requirement paymentRequiredBody
	if err := json.Unmarshal(body, &requirement); err != nil {
		t.Fatalf("unmarshal requirement: %v", err)
	}
	if requirement.Amount != "100" || requirement.PaymentNonce == "" {
		t.Fatalf("unexpected requirement: %+v", requirement)
	}

	// 客户端向托管地址付款后携带支付头重试。
	env.chain.addTransfer("0xhandshake01", requirement.Recipient, 100)
	resp, body = env.post(t, "/api/v1/skills/purchase",
		env.signedBody(t, "purchase-nonce-2", map[string]any{"skillId": "paid-skill"}),
		map[string]string{PaymentHeader: "0xhandshake01:" + requirement.PaymentNonce})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var purchase commerce.EscrowedPurchase
	if err := json.Unmarshal(body, &purchase); err != nil {
		t.Fatalf("unmarshal purchase: %v", err)
	}
	if purchase.Status != commerce.StatusEscrowed {
		t.Fatalf("expected escrowed, got %s", purchase.Status)
	}

	// 买家通过 Bearer 认证确认，托管放款给卖家。
	confirmBody, _ := json.Marshal(map[string]string{"purchaseId": purchase.ID})
	resp, body = env.post(t, "/api/v1/purchases/confirm", confirmBody,
		map[string]string{"Authorization": "Bearer " + buyerAPIKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", resp.StatusCode, body)
	}
	var confirmed commerce.EscrowedPurchase
	if err := json.Unmarshal(body, &confirmed); err != nil {
		t.Fatalf("unmarshal confirmed: %v", err)
	}
	if confirmed.Status != commerce.StatusCompleted || confirmed.ReleaseTxHash == "" {
		t.Fatalf("unexpected confirmed purchase: %+v", confirmed)
	}
}

func TestPurchaseMalformedPaymentHeader(t *testing.T) {
	env := newTestEnv(t)

	for i, header := range []string{"onlyhash", "0xhash:", ":nonce"} {
		resp, _ := env.post(t, "/api/v1/skills/purchase",
			env.signedBody(t, fmt.Sprintf("malformed-%02d", i), map[string]any{"skillId": "paid-skill"}),
			map[string]string{PaymentHeader: header})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("header %q: expected 400, got %d", header, resp.StatusCode)
		}
	}
}

func TestPurchaseUnknownPaymentNonce(t *testing.T) {
	env := newTestEnv(t)
	env.chain.addTransfer("0xunknown01", testEscrowAddress, 100)

	resp, _ := env.post(t, "/api/v1/skills/purchase",
		env.signedBody(t, "unknown-nonce-1", map[string]any{"skillId": "paid-skill"}),
		map[string]string{PaymentHeader: "0xunknown01:no-such-requirement"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPurchaseVerificationFailureReturns402(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.post(t, "/api/v1/skills/purchase",
		env.signedBody(t, "verify-fail-01", map[string]any{"skillId": "paid-skill"}), nil)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	var requirement paymentRequiredBody
	if err := json.Unmarshal(body, &requirement); err != nil {
		t.Fatalf("unmarshal requirement: %v", err)
	}

	// 声称的交易不存在，核验失败返回 402。
	resp, _ = env.post(t, "/api/v1/skills/purchase",
		env.signedBody(t, "verify-fail-02", map[string]any{"skillId": "paid-skill"}),
		map[string]string{PaymentHeader: "0xmissing:" + requirement.PaymentNonce})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402 for failed verification, got %d", resp.StatusCode)
	}
}

func TestFreeSkillPurchaseOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.post(t, "/api/v1/skills/purchase",
		env.signedBody(t, "free-nonce-01", map[string]any{"skillId": "free-skill"}), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var purchase commerce.EscrowedPurchase
	if err := json.Unmarshal(body, &purchase); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if purchase.Status != commerce.StatusCompleted {
		t.Fatalf("expected completed, got %s", purchase.Status)
	}
}

func TestConfirmRequiresBuyerRole(t *testing.T) {
	env := newTestEnv(t)

	// 先走完握手拿到一个托管中的购买。
	resp, body := env.post(t, "/api/v1/skills/purchase",
		env.signedBody(t, "role-nonce-01", map[string]any{"skillId": "paid-skill"}), nil)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	var requirement paymentRequiredBody
	if err := json.Unmarshal(body, &requirement); err != nil {
		t.Fatalf("unmarshal requirement: %v", err)
	}
	env.chain.addTransfer("0xrolehttp01", requirement.Recipient, 100)
	resp, body = env.post(t, "/api/v1/skills/purchase",
		env.signedBody(t, "role-nonce-02", map[string]any{"skillId": "paid-skill"}),
		map[string]string{PaymentHeader: "0xrolehttp01:" + requirement.PaymentNonce})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d: %s", resp.StatusCode, body)
	}
	var purchase commerce.EscrowedPurchase
	if err := json.Unmarshal(body, &purchase); err != nil {
		t.Fatalf("unmarshal purchase: %v", err)
	}

	confirmBody, _ := json.Marshal(map[string]string{"purchaseId": purchase.ID})

	// 卖家不能确认。
	resp, _ = env.post(t, "/api/v1/purchases/confirm", confirmBody,
		map[string]string{"Authorization": "Bearer " + sellerAPIKey})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("seller confirm: expected 403, got %d", resp.StatusCode)
	}

	// 未认证的调用返回 401。
	resp, _ = env.post(t, "/api/v1/purchases/confirm", confirmBody, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous confirm: expected 401, got %d", resp.StatusCode)
	}

	// 卖家可以退款。
	resp, body = env.post(t, "/api/v1/purchases/refund", confirmBody,
		map[string]string{"Authorization": "Bearer " + sellerAPIKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refund: expected 200, got %d: %s", resp.StatusCode, body)
	}

	// 终态后的确认返回 400。
	resp, _ = env.post(t, "/api/v1/purchases/confirm", confirmBody,
		map[string]string{"Authorization": "Bearer " + buyerAPIKey})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("confirm after refund: expected 400, got %d", resp.StatusCode)
	}
}

func TestListPurchasesOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.post(t, "/api/v1/skills/purchase",
		env.signedBody(t, "list-nonce-01", map[string]any{"skillId": "free-skill"}), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("purchase: expected 200, got %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/purchases?limit=5", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+buyerAPIKey)
	listResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", listResp.StatusCode)
	}
	var purchases []*commerce.EscrowedPurchase
	if err := json.NewDecoder(listResp.Body).Decode(&purchases); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(purchases) != 1 {
		t.Fatalf("expected 1 purchase, got %d", len(purchases))
	}
}

func TestStatusRoute(t *testing.T) {
	env := newTestEnv(t)
	env.chain.snapshot = web3.ChainSnapshot{ChainID: "1337", BlockNumber: "42", Notes: "dev"}

	resp, err := http.Get(env.server.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != "ok" || status.ChainID != "1337" || status.BlockNumber != "42" {
		t.Fatalf("unexpected status body: %+v", status)
	}
}

func TestStatusRouteDegradedOnChainFailure(t *testing.T) {
	env := newTestEnv(t)
	env.chain.statusErr = errors.New("rpc unreachable")

	resp, err := http.Get(env.server.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != "degraded" {
		t.Fatalf("unexpected status body: %+v", status)
	}
}
