package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"fruits-store/internal/notify"
	"fruits-store/internal/observability"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)

const (
	minPasswordLength     = 8
	maxPasswordLength     = 200
	resetPasswordByteSize = 5
)

// AccountStore never writes locked or last_login_at; those belong to the Authenticator.
type AccountStore interface {
	UserReader
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, user User) (User, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]User, error)
	ListByRole(ctx context.Context, role Role) ([]User, error)
	UpdatePassword(ctx context.Context, id int64, hash string) error
	Activate(ctx context.Context, id int64) error
	AddRole(ctx context.Context, id int64, role Role) (bool, error)
	RemoveRole(ctx context.Context, id int64, role Role) error
}

// CustomerProvisioner creates the customer-side records a CUSTOMER needs.
type CustomerProvisioner interface {
	EnsureCart(ctx context.Context, userID int64) error
}

type RegisterInput struct {
	Username  string   `json:"username"`
	Email     string   `json:"email"`
	Password  string   `json:"password"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Address   string   `json:"address"`
	Roles     []string `json:"roles"`
}

func (in RegisterInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Username, validation.Required, validation.Match(usernameRegex).Error("must be 3-32 letters, digits, '.', '_' or '-'")),
		validation.Field(&in.Email, validation.Required, is.Email),
		validation.Field(&in.Password, validation.Required, validation.Length(minPasswordLength, maxPasswordLength)),
		validation.Field(&in.FirstName, validation.Required, validation.Length(1, 100)),
		validation.Field(&in.LastName, validation.Required, validation.Length(1, 100)),
		validation.Field(&in.Address, validation.Length(0, 255)),
	)
}

type AccountService struct {
	users       AccountStore
	passwords   PasswordVerifier
	notifier    Notifier
	customers   CustomerProvisioner
	defaultRole Role
	logger      *observability.Logger
}

func NewAccountService(users AccountStore, passwords PasswordVerifier, notifier Notifier, defaultRole Role) *AccountService {
	if defaultRole == "" {
		defaultRole = RoleUser
	}
	return &AccountService{
		users:       users,
		passwords:   passwords,
		notifier:    notifier,
		defaultRole: defaultRole,
		logger:      observability.NewNopLogger(),
	}
}

func (s *AccountService) WithCustomerProvisioner(customers CustomerProvisioner) {
	s.customers = customers
}

func (s *AccountService) WithLogger(logger *observability.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *AccountService) Register(ctx context.Context, input RegisterInput) (User, error) {
	input.Username = strings.TrimSpace(input.Username)
	input.Email = strings.TrimSpace(strings.ToLower(input.Email))
	input.FirstName = strings.TrimSpace(input.FirstName)
	input.LastName = strings.TrimSpace(input.LastName)
	input.Address = strings.TrimSpace(input.Address)

	if err := input.Validate(); err != nil {
		return User{}, ValidationError{Message: err.Error()}
	}

	roles, err := s.rolesFromNames(input.Roles)
	if err != nil {
		return User{}, err
	}

	if exists, err := s.users.ExistsByUsername(ctx, input.Username); err != nil {
		return User{}, err
	} else if exists {
		return User{}, ErrUsernameExists
	}
	if exists, err := s.users.ExistsByEmail(ctx, input.Email); err != nil {
		return User{}, err
	} else if exists {
		return User{}, ErrEmailExists
	}

	hash, err := s.passwords.Hash(input.Password)
	if err != nil {
		return User{}, err
	}

	user, err := s.users.Create(ctx, User{
		Username:     input.Username,
		Email:        input.Email,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Address:      input.Address,
		PasswordHash: hash,
		Roles:        roles,
		Locked:       false,
		Active:       true,
	})
	if err != nil {
		return User{}, err
	}

	if user.HasRole(RoleCustomer) {
		if err := s.ensureCustomer(ctx, user.ID); err != nil {
			return User{}, err
		}
	}

	s.logger.Info("user_registered", map[string]any{"user_id": user.ID, "username": user.Username})
	s.notify(notify.EventRegistered, recipientOf(user))
	return user, nil
}

func (s *AccountService) rolesFromNames(names []string) ([]Role, error) {
	if len(names) == 0 {
		return []Role{s.defaultRole}, nil
	}

	roles := make([]Role, 0, len(names))
	for _, name := range names {
		role, err := ParseRole(name)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	return roles, nil
}

// AddRole is a no-op when the user already holds role.
func (s *AccountService) AddRole(ctx context.Context, userID int64, role Role) (User, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return User{}, err
	}

	added, err := s.users.AddRole(ctx, userID, role)
	if err != nil {
		return User{}, err
	}
	if !added {
		s.logger.Warn("role_already_assigned", map[string]any{"user_id": userID, "role": string(role)})
		return s.users.ByID(ctx, userID)
	}

	if role == RoleCustomer {
		if err := s.ensureCustomer(ctx, userID); err != nil {
			return User{}, err
		}
	}

	s.logger.Info("role_added", map[string]any{"user_id": userID, "role": string(role)})
	return s.users.ByID(ctx, userID)
}

func (s *AccountService) RemoveRole(ctx context.Context, userID int64, role Role) (User, error) {
	if err := s.users.RemoveRole(ctx, userID, role); err != nil {
		return User{}, err
	}

	s.logger.Info("role_removed", map[string]any{"user_id": userID, "role": string(role)})
	return s.users.ByID(ctx, userID)
}

func (s *AccountService) ListUsers(ctx context.Context) ([]User, error) {
	return s.users.List(ctx)
}

func (s *AccountService) ListByRole(ctx context.Context, role Role) ([]User, error) {
	return s.users.ListByRole(ctx, role)
}

func (s *AccountService) Get(ctx context.Context, userID int64) (User, error) {
	return s.users.ByID(ctx, userID)
}

func (s *AccountService) DeleteUser(ctx context.Context, userID int64) error {
	if err := s.users.Delete(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("user_deleted", map[string]any{"user_id": userID})
	return nil
}

func (s *AccountService) ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error {
	user, err := s.users.ByID(ctx, userID)
	if err != nil {
		return err
	}
	if !s.passwords.Matches(oldPassword, user.PasswordHash) {
		s.logger.Warn("change_password_rejected", map[string]any{"user_id": userID})
		return ErrBadCredentials
	}
	if len(newPassword) < minPasswordLength || len(newPassword) > maxPasswordLength {
		return ValidationError{Message: fmt.Sprintf("password must be between %d and %d characters", minPasswordLength, maxPasswordLength)}
	}

	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}

	s.notify(notify.EventPasswordChanged, recipientOf(user))
	return nil
}

// ResetPassword replaces the password with a random one and mails it to the user.
func (s *AccountService) ResetPassword(ctx context.Context, userID int64) error {
	user, err := s.users.ByID(ctx, userID)
	if err != nil {
		return err
	}

	password, err := randomToken(resetPasswordByteSize)
	if err != nil {
		return fmt.Errorf("generate reset password: %w", err)
	}
	hash, err := s.passwords.Hash(password)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}

	recipient := recipientOf(user)
	recipient.TemporaryPassword = password
	s.notify(notify.EventPasswordReset, recipient)
	s.logger.Info("password_reset", map[string]any{"user_id": userID})
	return nil
}

// BootstrapAdmin creates the configured administrator or refreshes its password and ADMIN role.
func (s *AccountService) BootstrapAdmin(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	password = strings.TrimSpace(password)

	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}
	if email == "" {
		email = username + "@localhost"
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return err
	}

	existing, err := s.users.ByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return err
		}
		_, err = s.users.Create(ctx, User{
			Username:     username,
			Email:        email,
			FirstName:    "Admin",
			LastName:     "Admin",
			PasswordHash: hash,
			Roles:        []Role{RoleAdmin},
			Active:       true,
		})
		return err
	}

	if err := s.users.UpdatePassword(ctx, existing.ID, hash); err != nil {
		return err
	}
	if err := s.users.Activate(ctx, existing.ID); err != nil {
		return err
	}
	_, err = s.users.AddRole(ctx, existing.ID, RoleAdmin)
	return err
}

func (s *AccountService) ensureCustomer(ctx context.Context, userID int64) error {
	if s.customers == nil {
		return nil
	}
	if err := s.customers.EnsureCart(ctx, userID); err != nil {
		return fmt.Errorf("provision customer: %w", err)
	}
	return nil
}

func (s *AccountService) notify(event notify.Event, recipient notify.Recipient) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(event, recipient)
}
