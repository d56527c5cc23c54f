package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/tradepost/checkout/internal/errors"
)

// adminMetricsAuth protects /metrics with a bearer key. With no key
// configured the endpoint is open.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			expected := []byte("Bearer " + apiKey)
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), expected) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "invalid or missing admin API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
