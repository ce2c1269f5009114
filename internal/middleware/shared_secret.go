package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// SharedSecret admits requests carrying secret in the "secret" query
// parameter or the X-Claimer-Secret header. Others get 403.
func SharedSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Claimer-Secret")
			if got == "" {
				got = r.URL.Query().Get("secret")
			}
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				RespondError(w, r, http.StatusForbidden, "FORBIDDEN", "invalid or missing secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type errorResp struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var resp errorResp
	resp.Error.Code = code
	resp.Error.Message = message
	resp.RequestID = RequestIDFrom(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
