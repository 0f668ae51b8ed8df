package api

import (
	"errors"
	"net/http"

	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

var errNoActor = errors.New("missing X-User-ID header")

// actor resolves the calling user from the X-User-ID header and loads
// their role. Authentication itself is terminated upstream; the header
// carries the verified identity.
func (s *Server) actor(r *http.Request) (string, types.Role, error) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		return "", "", errNoActor
	}
	role, err := s.users.GetRole(r.Context(), id)
	if err != nil {
		return "", "", err
	}
	return id, role, nil
}

// requireActor writes the error response when actor resolution fails
func (s *Server) requireActor(w http.ResponseWriter, r *http.Request) (string, types.Role, bool) {
	id, role, err := s.actor(r)
	if err != nil {
		if errors.Is(err, errNoActor) {
			respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required", nil)
		} else {
			respondServiceError(w, err)
		}
		return "", "", false
	}
	return id, role, true
}
