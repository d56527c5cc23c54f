package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/logger"
)

const (
	maxRequestBody = 64 << 10
	maxWebhookBody = 1 << 20 // Stripe caps event payloads well under this
)

// decodeJSON decodes a JSON request body into the destination struct.
// The reader will be closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// decodeRequest reads a bounded JSON body and writes the 400 itself on failure.
func decodeRequest(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBody), dest); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeValidation, "request body too large")
			return false
		}
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeValidation, "invalid JSON body", "reason", err.Error())
		return false
	}
	return true
}

// readBody returns the raw body; webhook signatures are computed over it.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeValidation, "unreadable request body")
		return nil, false
	}
	return body, true
}

// writeError maps err onto the error envelope. Server-side failures are logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apierrors.CodeOf(err)
	if code.HTTPStatus() >= http.StatusInternalServerError {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("code", string(code)).Msg("request.failed")
	}
	apierrors.WriteFromError(w, err)
}
