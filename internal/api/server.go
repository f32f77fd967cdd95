package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"selfclaw/internal/agentauth"
	"selfclaw/internal/commerce"
	xerrors "selfclaw/internal/errors"
)

// PaymentHeader 携带支付凭证，格式为 "<txHash>:<paymentNonce>"。
const PaymentHeader = "X-SELFCLAW-PAYMENT"

// Server 负责暴露 REST 接口，供智能体完成身份验证与技能购买。
type Server struct {
	addr     string
	auth     *agentauth.Service
	commerce *commerce.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, auth *agentauth.Service, commerceService *commerce.Service) *Server {
	return &Server{addr: addr, auth: auth, commerce: commerceService}
}

// Handler 组装全部路由。签名信封保护验证与购买端点，
// Bearer 令牌保护托管生命周期端点。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	signed := s.auth.Middleware(agentauth.MiddlewareConfig{})
	bearer := s.auth.APIKeyMiddleware()

	mux.Handle("/api/v1/agents/verify", signed(http.HandlerFunc(s.handleVerify)))
	mux.Handle("/api/v1/skills/purchase", signed(http.HandlerFunc(s.handlePurchase)))
	mux.Handle("/api/v1/purchases/confirm", bearer(http.HandlerFunc(s.handleConfirm)))
	mux.Handle("/api/v1/purchases/refund", bearer(http.HandlerFunc(s.handleRefund)))
	mux.Handle("/api/v1/purchases", bearer(http.HandlerFunc(s.handleListPurchases)))
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type verifyResponse struct {
	Verified       bool   `json:"verified"`
	AgentPublicKey string `json:"agentPublicKey"`
	HumanID        string `json:"humanId"`
	WalletAddress  string `json:"walletAddress,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	identity := agentauth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, agentauth.ErrUnknownAgent)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Verified:       true,
		AgentPublicKey: identity.PublicKey,
		HumanID:        identity.HumanID,
		WalletAddress:  identity.WalletAddress,
	})
}

type purchaseRequest struct {
	SkillID string `json:"skillId"`
}

// paymentRequiredBody 是 402 响应体，paymentNonce 必须在重试时原样回传。
type paymentRequiredBody struct {
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
	PriceToken   string `json:"priceToken,omitempty"`
	Description  string `json:"description,omitempty"`
	PaymentNonce string `json:"paymentNonce"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// handlePurchase 实现支付握手：首次调用返回 402 与支付要求，
// 携带 X-SELFCLAW-PAYMENT 头重试时核验付款并创建托管购买。
func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	identity := agentauth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, agentauth.ErrUnknownAgent)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	proof := strings.TrimSpace(r.Header.Get(PaymentHeader))
	if proof == "" {
		purchase, requirement, err := s.commerce.InitiatePurchase(r.Context(), identity, req.SkillID)
		if err != nil {
			writeError(w, err)
			return
		}
		if purchase != nil {
			writeJSON(w, http.StatusOK, purchase)
			return
		}
		w.Header().Set("X-SELFCLAW-RECIPIENT", s.commerce.EscrowAddress())
		w.Header().Set("X-SELFCLAW-AMOUNT", requirement.Amount.String())
		writeJSON(w, http.StatusPaymentRequired, paymentRequiredBody{
			Recipient:    s.commerce.EscrowAddress(),
			Amount:       requirement.Amount.String(),
			Description:  requirement.Description,
			PaymentNonce: requirement.Nonce,
			ExpiresAt:    requirement.ExpiresAt.Unix(),
		})
		return
	}

	txHash, paymentNonce, ok := strings.Cut(proof, ":")
	if !ok || strings.TrimSpace(txHash) == "" || strings.TrimSpace(paymentNonce) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "支付头缺少 txHash 或 paymentNonce"))
		return
	}

	purchase, err := s.commerce.SettlePurchase(r.Context(), identity, req.SkillID, strings.TrimSpace(txHash), strings.TrimSpace(paymentNonce))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purchase)
}

type transitionRequest struct {
	PurchaseID string `json:"purchaseId"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.commerce.Confirm)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.commerce.Refund)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, apply func(context.Context, *agentauth.AgentIdentity, string) (*commerce.EscrowedPurchase, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	identity := agentauth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, agentauth.ErrInvalidAPIKey)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.PurchaseID) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 purchaseId"))
		return
	}

	purchase, err := apply(r.Context(), identity, strings.TrimSpace(req.PurchaseID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purchase)
}

func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	identity := agentauth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, agentauth.ErrInvalidAPIKey)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	purchases, err := s.commerce.ListPurchases(r.Context(), identity, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if purchases == nil {
		purchases = []*commerce.EscrowedPurchase{}
	}
	writeJSON(w, http.StatusOK, purchases)
}

type statusResponse struct {
	Status      string `json:"status"`
	ChainID     string `json:"chainId,omitempty"`
	BlockNumber string `json:"blockNumber,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// handleStatus 上报服务与链连接状态，无需鉴权，供探活使用。
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	snapshot, err := s.commerce.ChainStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:      "ok",
		ChainID:     snapshot.ChainID,
		BlockNumber: snapshot.BlockNumber,
		Notes:       snapshot.Notes,
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
