package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const contextKeyUser contextKey = "user"

// User represents an authenticated user in context
type User struct {
	ID       int64
	Username string
	Email    string
}

// GetUser retrieves the authenticated user from context
func GetUser(ctx context.Context) *User {
	if user, ok := ctx.Value(contextKeyUser).(*User); ok {
		return user
	}
	return nil
}

// authMiddleware validates the session token and adds user to context
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string

		// Try to get token from httpOnly cookie first
		if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
			token = cookie.Value
		} else {
			// Fall back to Authorization header for API clients
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token = strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}
		}

		// Hash the token for lookup
		hash := sha256.Sum256([]byte(token))
		tokenHash := hex.EncodeToString(hash[:])

		// Look up session
		var user User
		var expiresAt time.Time
		err := s.db.QueryRow(`
			SELECT u.id, u.username, u.email, s.expires_at
			FROM sessions s
			JOIN users u ON s.user_id = u.id
			WHERE s.token_hash = ? AND s.expires_at > datetime('now')
		`, tokenHash).Scan(&user.ID, &user.Username, &user.Email, &expiresAt)

		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		// Update last activity
		_, _ = s.db.Exec(`
			UPDATE sessions SET last_activity = datetime('now') WHERE token_hash = ?
		`, tokenHash)

		// Add user to context
		ctx := context.WithValue(r.Context(), contextKeyUser, &user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
