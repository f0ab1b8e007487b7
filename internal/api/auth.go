package api

import (
	"net/http"
	"strings"

	"streamhooks/internal/auth"
)

// getPrincipal extracts the caller identity.
// - If Authorization: Bearer is present, uses the configured verifier.
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) auth.Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return pr
		}
	}
	return auth.Principal{
		UserID: r.Header.Get("X-User-Id"),
		Admin:  r.Header.Get("X-Admin") == "true",
	}
}
