package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fruits-store/internal/notify"
	"fruits-store/internal/observability"
)

const defaultMaxAttempts = 3

type UserReader interface {
	ByUsername(ctx context.Context, username string) (User, error)
	ByEmail(ctx context.Context, email string) (User, error)
	ByUsernameOrEmail(ctx context.Context, username, email string) (User, error)
	ByID(ctx context.Context, id int64) (User, error)
}

// UserStore is the authenticator's view of persistence. Its writes touch
// only the locked and last_login_at columns.
type UserStore interface {
	UserReader
	SetLocked(ctx context.Context, id int64, locked bool) error
	RecordLogin(ctx context.Context, id int64, at time.Time) error
}

type PasswordVerifier interface {
	Matches(raw, hash string) bool
	Hash(raw string) (string, error)
}

type Notifier interface {
	Notify(event notify.Event, recipient notify.Recipient)
}

type EventRecorder interface {
	RecordSecurityEvent(ctx context.Context, event SecurityEvent) error
}

// Authenticator owns the login, lock and unlock transitions and is the only
// writer of User.Locked.
type Authenticator struct {
	users       UserStore
	passwords   PasswordVerifier
	codec       *TokenCodec
	tracker     *LoginAttemptTracker
	notifier    Notifier
	events      EventRecorder
	logger      *observability.Logger
	metrics     *observability.Metrics
	maxAttempts int
	now         func() time.Time
	locks       keyedMutex

	decoyOnce sync.Once
	decoy     string
}

func NewAuthenticator(users UserStore, passwords PasswordVerifier, codec *TokenCodec, tracker *LoginAttemptTracker, notifier Notifier) *Authenticator {
	return &Authenticator{
		users:       users,
		passwords:   passwords,
		codec:       codec,
		tracker:     tracker,
		notifier:    notifier,
		logger:      observability.NewNopLogger(),
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
}

func (a *Authenticator) WithMaxAttempts(maxAttempts int) {
	if maxAttempts > 0 {
		a.maxAttempts = maxAttempts
	}
}

func (a *Authenticator) WithObservability(logger *observability.Logger, metrics *observability.Metrics) {
	if logger != nil {
		a.logger = logger
	}
	a.metrics = metrics
}

func (a *Authenticator) WithEventRecorder(events EventRecorder) {
	a.events = events
}

func (a *Authenticator) WithClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

func (a *Authenticator) Login(ctx context.Context, identifier, password string) (Outcome, error) {
	user, err := a.resolve(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return a.unknownUser(password), nil
		}
		return Outcome{}, err
	}

	unlock := a.locks.Lock(user.ID)
	defer unlock()

	// Re-read under the per-user lock so concurrent logins see each other's writes.
	user, err = a.users.ByID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return a.unknownUser(password), nil
		}
		return Outcome{}, err
	}

	if user.Locked {
		a.record(ctx, user.ID, EventLoginRejected, "")
		return a.finish(Outcome{User: user, Reason: ReasonAccountLocked}), nil
	}

	if !user.Active || !a.passwords.Matches(password, user.PasswordHash) {
		return a.handleFailedLogin(ctx, user)
	}

	now := a.now().UTC()
	a.tracker.Reset(user.ID)
	if err := a.users.RecordLogin(ctx, user.ID, now); err != nil {
		return Outcome{}, fmt.Errorf("record login: %w", err)
	}
	user.LastLoginAt = &now

	token, err := a.codec.Issue(user.Username, user.RoleNames(), now)
	if err != nil {
		return Outcome{}, err
	}

	a.record(ctx, user.ID, EventLoginSuccess, "")
	return a.finish(Outcome{Token: token, User: user}), nil
}

// handleFailedLogin must run while holding the user's key lock.
func (a *Authenticator) handleFailedLogin(ctx context.Context, user User) (Outcome, error) {
	count := a.tracker.RecordFailure(user.ID)
	a.record(ctx, user.ID, EventLoginFailure, fmt.Sprintf("attempt %d", count))

	if count < a.maxAttempts {
		return a.finish(Outcome{User: user, Reason: ReasonBadCredentials}), nil
	}

	if err := a.users.SetLocked(ctx, user.ID, true); err != nil {
		return Outcome{}, fmt.Errorf("lock user after failed logins: %w", err)
	}
	user.Locked = true

	a.metrics.LockTransition("threshold")
	a.record(ctx, user.ID, EventAccountLocked, "failed login threshold reached")
	a.logger.Warn("account_locked", map[string]any{"user_id": user.ID, "attempts": count})
	a.notify(notify.EventAccountLocked, user)

	return a.finish(Outcome{User: user, Reason: ReasonAccountLocked}), nil
}

// Lock locks the account and records one synthetic failed attempt. The
// synthetic attempt is discarded again by Unlock.
func (a *Authenticator) Lock(ctx context.Context, identifier string) error {
	user, err := a.resolve(ctx, identifier)
	if err != nil {
		return err
	}

	unlock := a.locks.Lock(user.ID)
	defer unlock()

	user, err = a.users.ByID(ctx, user.ID)
	if err != nil {
		return err
	}
	if user.Locked {
		a.logger.Info("account_already_locked", map[string]any{"user_id": user.ID})
		return ErrAlreadyLocked
	}

	if err := a.users.SetLocked(ctx, user.ID, true); err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	user.Locked = true
	a.tracker.RecordFailure(user.ID)

	a.metrics.LockTransition("admin")
	a.record(ctx, user.ID, EventAccountLocked, "locked by administrator")
	a.logger.Info("account_locked", map[string]any{"user_id": user.ID, "source": "admin"})
	a.notify(notify.EventAccountLocked, user)
	return nil
}

func (a *Authenticator) Unlock(ctx context.Context, identifier string) error {
	user, err := a.resolve(ctx, identifier)
	if err != nil {
		return err
	}

	unlock := a.locks.Lock(user.ID)
	defer unlock()

	user, err = a.users.ByID(ctx, user.ID)
	if err != nil {
		return err
	}
	if !user.Locked {
		a.logger.Info("account_already_unlocked", map[string]any{"user_id": user.ID})
		return ErrAlreadyUnlocked
	}

	if err := a.users.SetLocked(ctx, user.ID, false); err != nil {
		return fmt.Errorf("unlock user: %w", err)
	}
	user.Locked = false
	a.tracker.Reset(user.ID)

	a.metrics.LockTransition("unlock")
	a.record(ctx, user.ID, EventAccountUnlocked, "")
	a.logger.Info("account_unlocked", map[string]any{"user_id": user.ID})
	a.notify(notify.EventAccountUnlocked, user)
	return nil
}

func (a *Authenticator) IssueToken(user User) (Token, error) {
	return a.codec.Issue(user.Username, user.RoleNames(), a.now())
}

func (a *Authenticator) TokenTTL() time.Duration {
	return a.codec.TTL()
}

func (a *Authenticator) resolve(ctx context.Context, identifier string) (User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return User{}, ErrUserNotFound
	}
	return a.users.ByUsernameOrEmail(ctx, identifier, identifier)
}

// unknownUser spends one password comparison so a missing account costs
// about as much as a wrong password.
func (a *Authenticator) unknownUser(password string) Outcome {
	a.decoyOnce.Do(func() {
		a.decoy, _ = a.passwords.Hash("decoy-password-for-unknown-users")
	})
	if a.decoy != "" {
		a.passwords.Matches(password, a.decoy)
	}
	return a.finish(Outcome{Reason: ReasonUserNotFound})
}

func (a *Authenticator) finish(outcome Outcome) Outcome {
	a.metrics.LoginOutcome(outcome.Reason.String())
	a.metrics.AttemptEntries(a.tracker.Len())
	return outcome
}

func (a *Authenticator) notify(event notify.Event, user User) {
	if a.notifier == nil {
		return
	}
	a.notifier.Notify(event, recipientOf(user))
}

func (a *Authenticator) record(ctx context.Context, userID int64, eventType SecurityEventType, detail string) {
	if a.events == nil {
		return
	}
	err := a.events.RecordSecurityEvent(ctx, SecurityEvent{
		UserID:    userID,
		Type:      eventType,
		Detail:    detail,
		CreatedAt: a.now().UTC(),
	})
	if err != nil {
		a.logger.Error("record_security_event_failed", map[string]any{
			"user_id": userID,
			"event":   string(eventType),
			"error":   err.Error(),
		})
	}
}

func recipientOf(user User) notify.Recipient {
	return notify.Recipient{
		Username:  user.Username,
		Email:     user.Email,
		FirstName: user.FirstName,
	}
}
