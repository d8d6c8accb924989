package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"chimera/internal/auth"
	xerrors "chimera/internal/errors"
)

// errorBody 是所有错误响应的统一结构。
type errorBody struct {
	RequestID string      `json:"request_id"`
	Error     errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Details  []string          `json:"details,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// statusMapping 按顺序匹配，子类型需要排在父类型之前。
var statusMapping = []struct {
	code   xerrors.Code
	status int
}{
	{xerrors.CodeInvalidSignature, http.StatusUnauthorized},
	{auth.CodeUnauthenticated, http.StatusUnauthorized},
	{auth.CodePermissionDenied, http.StatusForbidden},
	{xerrors.CodeReplayedNonce, http.StatusConflict},
	{xerrors.CodePolicyViolation, http.StatusUnprocessableEntity},
	{xerrors.CodePaymentRequired, http.StatusPaymentRequired},
	{xerrors.CodeInvalidPayment, http.StatusPaymentRequired},
	{xerrors.CodeExecutionFailed, http.StatusBadGateway},
	{xerrors.CodeAuditServiceFailure, http.StatusBadGateway},
	{xerrors.CodeExtractionFailed, http.StatusBadGateway},
	{xerrors.CodeInsufficientFunds, http.StatusServiceUnavailable},
	{xerrors.CodeInitializationFailure, http.StatusServiceUnavailable},
	{xerrors.CodeInvalidArgument, http.StatusBadRequest},
	{xerrors.CodeNotFound, http.StatusNotFound},
	{xerrors.CodeConflict, http.StatusConflict},
	{xerrors.CodeTimeout, http.StatusGatewayTimeout},
}

// StatusFor 将统一错误映射为 HTTP 状态码。
func StatusFor(err error) int {
	for _, m := range statusMapping {
		if xerrors.HasCode(err, m.code) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	detail := errorDetail{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	var xe *xerrors.Error
	if errors.As(err, &xe) {
		if msg := xe.Message(); msg != "" {
			detail.Message = msg
		}
		detail.Details = xe.Details()
		detail.Metadata = xe.Metadata()
	}
	if status >= http.StatusInternalServerError {
		requestLogger(r).Error("request failed", slog.Int("status", status), slog.Any("error", err))
	}
	writeJSON(w, status, errorBody{RequestID: RequestIDFromContext(r.Context()), Error: detail})
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, message))
}

func invalidQuery(name string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "查询参数 "+name+" 不合法")
}
