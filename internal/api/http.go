package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kalambet/accredit/internal/logger"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status and writes the error envelope. Internal
// errors are logged and not echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, errType := errorStatus(err)
	if code == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		httpError(w, code, errType, "internal error")
		return
	}
	httpError(w, code, errType, "%v", err)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
