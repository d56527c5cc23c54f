package httpserver

import (
	"context"
	"net/http"
	"strings"

	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/logger"
)

type contextKey string

const userIDKey contextKey = "user_id"

// identityMiddleware reads the user id resolved upstream by the gateway.
// Requests without one never reach checkout handlers.
func identityMiddleware(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-User-ID"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(header))
			if userID == "" {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "missing user identity")
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = logger.WithUser(ctx, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}
