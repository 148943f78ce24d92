package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"

	"fruits-store/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	authenticator *Authenticator
	accounts      *AccountService
	logger        *observability.Logger
}

func NewHandler(authenticator *Authenticator, accounts *AccountService, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Handler{authenticator: authenticator, accounts: accounts, logger: logger}
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

type identifierRequest struct {
	Identifier string `json:"identifier"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type roleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	identifier := strings.TrimSpace(body.Identifier)
	if identifier == "" {
		identifier = strings.TrimSpace(body.Username)
	}
	if identifier == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "identifier and password are required")
		return
	}

	outcome, err := h.authenticator.Login(r.Context(), identifier, body.Password)
	if err != nil {
		h.internalError(w, err, "failed to login")
		return
	}

	switch outcome.Reason {
	case ReasonNone:
		writeJSON(w, http.StatusOK, LoginResponse{
			AccessToken: outcome.Token.Raw,
			TokenType:   "Bearer",
			ExpiresIn:   int64(h.authenticator.TokenTTL().Seconds()),
			User:        outcome.User.View(),
		})
	case ReasonAccountLocked:
		writeError(w, http.StatusLocked, ErrAccountLocked.Error())
	default:
		writeError(w, http.StatusUnauthorized, ErrBadCredentials.Error())
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body RegisterInput
	if !decodeJSON(w, r, &body) {
		return
	}

	// Self-registration never grants roles; only admins assign them afterwards.
	body.Roles = nil
	user, err := h.accounts.Register(r.Context(), body)
	if err != nil {
		h.writeAccountError(w, err, "failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, user.View())
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusForbidden, forbiddenMessage)
		return
	}

	user, err := h.accounts.Get(r.Context(), principal.ID)
	if err != nil {
		h.writeAccountError(w, err, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, user.View())
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusForbidden, forbiddenMessage)
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.accounts.ChangePassword(r.Context(), principal.ID, body.OldPassword, body.NewPassword); err != nil {
		h.writeAccountError(w, err, "failed to change password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	h.lockTransition(w, r, h.authenticator.Lock, "failed to lock account")
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	h.lockTransition(w, r, h.authenticator.Unlock, "failed to unlock account")
}

func (h *Handler) lockTransition(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, identifier string) error, failure string) {
	var body identifierRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	identifier := strings.TrimSpace(body.Identifier)
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}

	if err := transition(r.Context(), identifier); err != nil {
		h.writeAccountError(w, err, failure)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.accounts.ListUsers(r.Context())
	if err != nil {
		h.internalError(w, err, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, views(users))
}

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	users, err := h.accounts.ListByRole(r.Context(), RoleCustomer)
	if err != nil {
		h.internalError(w, err, "failed to list customers")
		return
	}
	writeJSON(w, http.StatusOK, views(users))
}

func (h *Handler) AddRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	var body roleRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	role, err := ParseRole(body.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.accounts.AddRole(r.Context(), userID, role)
	if err != nil {
		h.writeAccountError(w, err, "failed to add role")
		return
	}

	writeJSON(w, http.StatusOK, user.View())
}

func (h *Handler) RemoveRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	role, err := ParseRole(r.PathValue("role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.accounts.RemoveRole(r.Context(), userID, role)
	if err != nil {
		h.writeAccountError(w, err, "failed to remove role")
		return
	}

	writeJSON(w, http.StatusOK, user.View())
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	if err := h.accounts.ResetPassword(r.Context(), userID); err != nil {
		h.writeAccountError(w, err, "failed to reset password")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	if err := h.accounts.DeleteUser(r.Context(), userID); err != nil {
		h.writeAccountError(w, err, "failed to delete user")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeAccountError(w http.ResponseWriter, err error, failure string) {
	var validationErr ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Message)
	case errors.Is(err, ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, ErrUserNotFound.Error())
	case errors.Is(err, ErrBadCredentials):
		writeError(w, http.StatusUnauthorized, ErrBadCredentials.Error())
	case errors.Is(err, ErrUsernameExists), errors.Is(err, ErrEmailExists),
		errors.Is(err, ErrAlreadyLocked), errors.Is(err, ErrAlreadyUnlocked),
		errors.Is(err, ErrRoleNotAssigned), errors.Is(err, ErrLastRole):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.internalError(w, err, failure)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, err error, message string) {
	h.logger.Error("auth_request_failed", map[string]any{"error": err.Error(), "message": message})
	sentry.CaptureException(err)
	writeError(w, http.StatusInternalServerError, message)
}

func parseUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func views(users []User) []UserView {
	out := make([]UserView, 0, len(users))
	for _, user := range users {
		out = append(out, user.View())
	}
	return out
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
