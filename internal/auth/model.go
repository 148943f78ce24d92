package auth

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleUser     Role = "USER"
	RoleCustomer Role = "CUSTOMER"
	RoleVisitor  Role = "VISITOR"
)

var knownRoles = []Role{RoleAdmin, RoleUser, RoleCustomer, RoleVisitor}

func ParseRole(value string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(value)))
	if !slices.Contains(knownRoles, role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, value)
	}
	return role, nil
}

// User is the persisted account. Authenticator only flips Locked and LastLoginAt.
type User struct {
	ID           int64
	Username     string
	Email        string
	FirstName    string
	LastName     string
	Address      string
	PasswordHash string
	Roles        []Role
	Locked       bool
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

func (u User) HasRole(role Role) bool {
	return slices.Contains(u.Roles, role)
}

func (u User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, role := range u.Roles {
		names = append(names, string(role))
	}
	return names
}

// UserView is the externally visible snapshot of a user.
type UserView struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Address     string     `json:"address,omitempty"`
	Roles       []string   `json:"roles"`
	Locked      bool       `json:"locked"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func (u User) View() UserView {
	return UserView{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		Address:     u.Address,
		Roles:       u.RoleNames(),
		Locked:      u.Locked,
		Active:      u.Active,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

// Principal is the caller identity carried through a request.
type Principal struct {
	ID       int64
	Username string
	Roles    []string
	Active   bool
	Locked   bool
}

func (p Principal) HasRole(role Role) bool {
	return slices.Contains(p.Roles, string(role))
}

type Token struct {
	Raw       string
	Subject   string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type LoginResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   int64    `json:"expires_in"`
	User        UserView `json:"user"`
}

type Reason int

const (
	ReasonNone Reason = iota
	ReasonUserNotFound
	ReasonAccountLocked
	ReasonBadCredentials
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "success"
	case ReasonUserNotFound:
		return "user_not_found"
	case ReasonAccountLocked:
		return "account_locked"
	case ReasonBadCredentials:
		return "bad_credentials"
	default:
		return "unknown"
	}
}

// Outcome is the result of a login. Reason is ReasonNone on success.
type Outcome struct {
	Token  Token
	User   User
	Reason Reason
}

func (o Outcome) Succeeded() bool {
	return o.Reason == ReasonNone
}

func (o Outcome) Err() error {
	switch o.Reason {
	case ReasonNone:
		return nil
	case ReasonUserNotFound:
		return ErrUserNotFound
	case ReasonAccountLocked:
		return ErrAccountLocked
	default:
		return ErrBadCredentials
	}
}

type SecurityEventType string

const (
	EventLoginSuccess    SecurityEventType = "login_success"
	EventLoginFailure    SecurityEventType = "login_failure"
	EventLoginRejected   SecurityEventType = "login_rejected_locked"
	EventAccountLocked   SecurityEventType = "account_locked"
	EventAccountUnlocked SecurityEventType = "account_unlocked"
)

type SecurityEvent struct {
	UserID    int64
	Type      SecurityEventType
	Detail    string
	CreatedAt time.Time
}
