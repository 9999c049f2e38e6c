package middleware

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminHeader carries the plaintext admin key.
const AdminHeader = "X-Admin-Key"

// Admin guards operator routes. The key in AdminHeader must match keyHash, a
// bcrypt hash. With no hash configured every admin request is refused.
func Admin(keyHash string) func(http.Handler) http.Handler {
	hash := []byte(strings.TrimSpace(keyHash))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(hash) == 0 {
				writeStatus(w, http.StatusForbidden, "admin access disabled")
				return
			}
			key := strings.TrimSpace(r.Header.Get(AdminHeader))
			if key == "" {
				writeStatus(w, http.StatusUnauthorized, "missing admin key")
				return
			}
			if bcrypt.CompareHashAndPassword(hash, []byte(key)) != nil {
				writeStatus(w, http.StatusForbidden, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
