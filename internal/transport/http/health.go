package http

import (
	stdhttp "net/http"
)

// HealthHandler reports process liveness for the verify service. It does not
// touch Postgres, Redis, or the payment gateway; a degraded dependency shows
// up in request errors and metrics, not here.
func HealthHandler(w stdhttp.ResponseWriter, _ *stdhttp.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(stdhttp.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
