package http

import (
	"encoding/json"
	"net/http"

	"github.com/cimillas/donation-hub/services/verify/internal/domain"
)

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// statusForKind is the single place where taxonomy kinds become transport
// status codes.
func statusForKind(k domain.Kind) int {
	switch k {
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindOrderNotFound:
		return http.StatusNotFound
	case domain.KindTransactionConflict:
		return http.StatusConflict
	case domain.KindGatewayUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{Status: "error", Message: msg})
	if err != nil {
		_, _ = w.Write([]byte(`{"status":"error","message":"internal error"}`))
		return
	}
	_, _ = w.Write(payload)
}

// writeKindError maps a classified error to its transport shape. Internal
// details never leave the service; the caller sees a generic message.
func writeKindError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	msg := err.Error()
	if kind == domain.KindInternal {
		msg = "internal error"
	}
	writeError(w, statusForKind(kind), msg)
}
