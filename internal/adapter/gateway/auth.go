package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"llm-router/internal/domain"
)

// Token is one accepted bearer token and the client name it identifies.
type Token struct {
	Name  string
	Value string
}

// Authenticator validates gateway callers.
type Authenticator interface {
	Authenticate(token string) (client string, err error)
}

// StaticTokenAuth authenticates callers against a fixed token list using
// constant-time comparison.
type StaticTokenAuth struct {
	tokens []Token
}

// NewStaticTokenAuth builds an authenticator. Tokens with an empty value
// are ignored.
func NewStaticTokenAuth(tokens []Token) *StaticTokenAuth {
	a := &StaticTokenAuth{}
	for _, t := range tokens {
		if t.Value != "" {
			a.tokens = append(a.tokens, t)
		}
	}
	return a
}

// Authenticate returns the client name for a valid token.
func (a *StaticTokenAuth) Authenticate(token string) (string, error) {
	given := []byte(token)
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare(given, []byte(t.Value)) == 1 {
			return t.Name, nil
		}
	}
	return "", domain.ErrUnauthorized
}

// bearerToken extracts the token from the Authorization header, falling
// back to the "token" query parameter used by browser WebSocket clients.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// requireAuth rejects requests without a valid token. A nil authenticator
// lets everything through.
func requireAuth(auth Authenticator, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := auth.Authenticate(bearerToken(r)); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="llm-router"`)
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
