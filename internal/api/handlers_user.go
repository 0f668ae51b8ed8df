package api

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

var ethAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

type createUserRequest struct {
	Email string `json:"email"`
}

// handleCreateUser registers a new user. New users always start as
// MEMBER; roles are raised afterwards through the role endpoint.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.Email == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "email is required", nil)
		return
	}

	user := &models.User{
		ID:    uuid.New().String(),
		Email: req.Email,
		Role:  types.RoleMember,
	}

	if err := s.users.Create(r.Context(), user); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

// handleGetUser returns a user record. Users see themselves; reading
// anyone else requires the role-read capability under its scoping
// rules.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	actorID, actorRole, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	targetID := mux.Vars(r)["id"]

	user, err := s.users.GetByID(r.Context(), targetID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	if err := s.guard.AuthorizeRoleRead(actorID, actorRole, targetID, user.Role); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, user)
}

// handleGetRole returns just the user's role, same visibility rules as
// the full record.
func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	actorID, actorRole, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	targetID := mux.Vars(r)["id"]

	targetRole, err := s.users.GetRole(r.Context(), targetID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	if err := s.guard.AuthorizeRoleRead(actorID, actorRole, targetID, targetRole); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"user_id": targetID,
		"role":    string(targetRole),
	})
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

// handleUpdateRole changes a user's role. Self-modification is always
// denied, including for admins.
func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	actorID, actorRole, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	targetID := mux.Vars(r)["id"]

	var req updateRoleRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	newRole := types.Role(req.Role)
	if err := s.guard.AuthorizeRoleAssign(actorID, actorRole, targetID, newRole); err != nil {
		respondServiceError(w, err)
		return
	}

	if err := s.users.UpdateRole(r.Context(), targetID, newRole); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"user_id": targetID,
		"role":    string(newRole),
	})
}

type linkWalletRequest struct {
	Address string `json:"address"`
	Pubkey  string `json:"pubkey"`
}

// handleLinkEthWallet attaches an Ethereum address to the user
func (s *Server) handleLinkEthWallet(w http.ResponseWriter, r *http.Request) {
	actorID, actorRole, targetID, req, ok := s.walletRequest(w, r)
	if !ok {
		return
	}
	if actorID != targetID && actorRole != types.RoleAdmin {
		respondServiceError(w, serrors.NewRoleViolationError("only admins may link another user's wallet"))
		return
	}
	if !ethAddressPattern.MatchString(req.Address) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid ethereum address", nil)
		return
	}

	if err := s.users.LinkEthAddress(r.Context(), targetID, req.Address); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"user_id": targetID, "eth_address": req.Address})
}

// handleLinkLnWallet attaches a Lightning node pubkey to the user
func (s *Server) handleLinkLnWallet(w http.ResponseWriter, r *http.Request) {
	actorID, actorRole, targetID, req, ok := s.walletRequest(w, r)
	if !ok {
		return
	}
	if actorID != targetID && actorRole != types.RoleAdmin {
		respondServiceError(w, serrors.NewRoleViolationError("only admins may link another user's wallet"))
		return
	}
	if req.Pubkey == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "pubkey is required", nil)
		return
	}

	if err := s.users.LinkLnPubkey(r.Context(), targetID, req.Pubkey); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"user_id": targetID, "ln_pubkey": req.Pubkey})
}

func (s *Server) walletRequest(w http.ResponseWriter, r *http.Request) (actorID string, actorRole types.Role, targetID string, req linkWalletRequest, ok bool) {
	actorID, actorRole, ok = s.requireActor(w, r)
	if !ok {
		return
	}
	if err := s.guard.Authorize(actorRole, types.CapWalletLink); err != nil {
		respondServiceError(w, err)
		ok = false
		return
	}
	targetID = mux.Vars(r)["id"]
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		ok = false
		return
	}
	return
}
