package auth

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrAccountLocked   = errors.New("account locked")
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrInvalidToken    = errors.New("invalid token")
	ErrAlreadyLocked   = errors.New("account already locked")
	ErrAlreadyUnlocked = errors.New("account already unlocked")

	ErrUsernameExists  = errors.New("username already exists")
	ErrEmailExists     = errors.New("email already exists")
	ErrInvalidRole     = errors.New("invalid role")
	ErrRoleNotAssigned = errors.New("role not assigned")
	ErrLastRole        = errors.New("user must keep at least one role")
)

// ValidationError carries a user-facing message for rejected input.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}
