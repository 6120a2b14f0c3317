package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/quizgen/internal/i18n"
)

// Token grants API access to one owner. Hash is the bcrypt hash of the
// secret; clients send "Authorization: Bearer <owner>:<secret>".
type Token struct {
	Owner string
	Hash  string
}

// ParseToken parses a configured "owner:bcrypt-hash" entry.
func ParseToken(s string) (Token, error) {
	owner, hash, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || owner == "" || hash == "" {
		return Token{}, fmt.Errorf("token must look like owner:bcrypt-hash")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return Token{}, fmt.Errorf("token for %s: %w", owner, err)
	}
	return Token{Owner: owner, Hash: hash}, nil
}

// HashToken returns a configuration entry for owner with the given secret.
func HashToken(owner, secret string) (string, error) {
	if owner == "" || strings.Contains(owner, ":") {
		return "", fmt.Errorf("owner must be non-empty and must not contain ':'")
	}
	if secret == "" {
		return "", fmt.Errorf("secret is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return owner + ":" + string(hash), nil
}

type ownerKey struct{}

func withOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// ownerFromContext returns the authenticated owner, or "" when the API
// runs without tokens.
func ownerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// requireAuth checks the bearer token when tokens are configured and
// records the caller as the owner of the request.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.config.Tokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		owner, ok := h.authenticate(r.Header.Get("Authorization"))
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="quizgen"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: appI18n.T(r.Context(), "ErrorUnauthorized")})
			return
		}
		next.ServeHTTP(w, r.WithContext(withOwner(r.Context(), owner)))
	})
}

func (h *Handler) authenticate(header string) (string, bool) {
	bearer, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", false
	}
	owner, secret, ok := strings.Cut(strings.TrimSpace(bearer), ":")
	if !ok || owner == "" || secret == "" {
		return "", false
	}
	for _, t := range h.config.Tokens {
		if t.Owner != owner {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(t.Hash), []byte(secret)) == nil {
			return owner, true
		}
	}
	return "", false
}
