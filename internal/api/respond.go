package api

import (
	"encoding/json"
	"net/http"

	"selfclaw/internal/agentauth"
	"selfclaw/internal/commerce"
	xerrors "selfclaw/internal/errors"
)

// errorBody 是所有失败响应的统一 JSON 结构。
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把错误分类映射为稳定的状态码与 JSON 错误体，
// 链客户端与存储的内部错误不会以原始形态泄露给调用方。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if appErr, ok := xerrors.From(err); ok {
		message = appErr.Message()
	}
	writeJSON(w, statusFor(code), errorBody{Error: message, Code: string(code)})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case agentauth.CodeAuthMissingFields,
		agentauth.CodeAuthExpired,
		agentauth.CodeAuthInvalidNonce,
		agentauth.CodeAuthNonceReused,
		agentauth.CodeAuthInvalidEncoding,
		agentauth.CodeAuthBadSignature,
		agentauth.CodeAuthUnknownAgent,
		agentauth.CodeAuthUnlinked,
		agentauth.CodeAuthMissingAPIKey,
		agentauth.CodeAuthInvalidAPIKey,
		xerrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case commerce.CodePaymentInvalid:
		return http.StatusPaymentRequired
	case commerce.CodeRequirementUnknown,
		commerce.CodeRequirementMismatch,
		commerce.CodeTxHashUsed,
		commerce.CodeWrongState,
		xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case commerce.CodeWrongRole, xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case commerce.CodePurchaseNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case commerce.CodeTransferFailed, xerrors.CodeChainFailure:
		return http.StatusBadGateway
	case xerrors.CodeStorageFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
