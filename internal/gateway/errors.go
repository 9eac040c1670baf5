package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/l8e-harbor/l8e-harbor/internal/circuit"
	"github.com/l8e-harbor/l8e-harbor/internal/forward"
	"github.com/l8e-harbor/l8e-harbor/internal/selector"
)

// errorBody is the small JSON document spec.md §7 mandates for error
// responses: no internal details leaked beyond a stable error name and the
// request id for correlation.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

func writeError(w http.ResponseWriter, requestID string, status int, name string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: name, RequestID: requestID})
}

// classifyRetryErr maps a retry.Result's terminal error to the status code
// and error name spec.md §7 assigns it.
func classifyRetryErr(err error) (status int, name string) {
	switch {
	case errors.Is(err, selector.ErrNoHealthyBackend):
		return http.StatusServiceUnavailable, "NoHealthyBackend"
	case errors.Is(err, circuit.ErrOpen):
		return http.StatusServiceUnavailable, "CircuitOpen"
	}

	var ferr *forward.Error
	if errors.As(err, &ferr) {
		switch ferr.Kind {
		case forward.KindTimeout:
			return http.StatusGatewayTimeout, "Timeout"
		case forward.KindConnectionError:
			return http.StatusBadGateway, "ConnectionError"
		case forward.KindTLSError:
			return http.StatusBadGateway, "TlsError"
		case forward.KindCanceled:
			return 499, "Canceled"
		}
	}

	return http.StatusBadGateway, "UpstreamError"
}
