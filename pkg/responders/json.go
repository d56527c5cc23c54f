// Package responders writes the JSON bodies shared by the checkout and
// operator endpoints.
package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes payload as application/json with the given status. A nil
// payload writes headers only.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// List writes {"<key>": items, "count": n}. A nil slice is sent as [].
func List[T any](w http.ResponseWriter, key string, items []T) {
	if items == nil {
		items = []T{}
	}
	JSON(w, http.StatusOK, map[string]any{
		key:     items,
		"count": len(items),
	})
}

// NoContent acknowledges a mutation that has nothing to return.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
