package registry

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// formValue returns the first non-empty form field among names.
func formValue(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(r.PostFormValue(name)); v != "" {
			return v
		}
	}
	return ""
}

// requireSecret rejects requests whose Authorization header does not equal
// secret. Rejections carry a bare JSON string body.
func requireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header, ok := r.Header["Authorization"]
			if !ok || len(header) == 0 {
				respondJSON(w, http.StatusUnauthorized, "Missing Authorization header")
				return
			}
			if secret == "" || subtle.ConstantTimeCompare([]byte(header[0]), []byte(secret)) != 1 {
				respondJSON(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
