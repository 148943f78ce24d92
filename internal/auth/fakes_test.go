package auth

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"fruits-store/internal/notify"
)

type memoryStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]User
	events []SecurityEvent
}

func newMemoryStore(users ...User) *memoryStore {
	s := &memoryStore{users: make(map[int64]User)}
	for _, user := range users {
		if _, err := s.Create(context.Background(), user); err != nil {
			panic(err)
		}
	}
	return s
}

func cloneUser(user User) User {
	user.Roles = slices.Clone(user.Roles)
	return user
}

func (s *memoryStore) ByUsername(_ context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Username == username {
			return cloneUser(user), nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *memoryStore) ByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			return cloneUser(user), nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *memoryStore) ByUsernameOrEmail(ctx context.Context, username, email string) (User, error) {
	if user, err := s.ByUsername(ctx, username); err == nil {
		return user, nil
	}
	return s.ByEmail(ctx, email)
}

func (s *memoryStore) ByID(_ context.Context, id int64) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return cloneUser(user), nil
}

func (s *memoryStore) update(id int64, mutate func(*User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	if err := mutate(&user); err != nil {
		return err
	}
	s.users[id] = user
	return nil
}

func (s *memoryStore) SetLocked(_ context.Context, id int64, locked bool) error {
	return s.update(id, func(u *User) error {
		u.Locked = locked
		return nil
	})
}

func (s *memoryStore) RecordLogin(_ context.Context, id int64, at time.Time) error {
	return s.update(id, func(u *User) error {
		at := at.UTC()
		u.LastLoginAt = &at
		return nil
	})
}

func (s *memoryStore) UpdatePassword(_ context.Context, id int64, hash string) error {
	return s.update(id, func(u *User) error {
		u.PasswordHash = hash
		return nil
	})
}

func (s *memoryStore) Activate(_ context.Context, id int64) error {
	return s.update(id, func(u *User) error {
		u.Active = true
		return nil
	})
}

func (s *memoryStore) AddRole(_ context.Context, id int64, role Role) (bool, error) {
	added := false
	err := s.update(id, func(u *User) error {
		if u.HasRole(role) {
			return nil
		}
		u.Roles = append(slices.Clone(u.Roles), role)
		added = true
		return nil
	})
	return added, err
}

func (s *memoryStore) RemoveRole(_ context.Context, id int64, role Role) error {
	return s.update(id, func(u *User) error {
		idx := slices.Index(u.Roles, role)
		if idx < 0 {
			return ErrRoleNotAssigned
		}
		if len(u.Roles) == 1 {
			return ErrLastRole
		}
		u.Roles = slices.Delete(slices.Clone(u.Roles), idx, idx+1)
		return nil
	})
}

func (s *memoryStore) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	_, err := s.ByUsername(ctx, username)
	return err == nil, nil
}

func (s *memoryStore) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	_, err := s.ByEmail(ctx, email)
	return err == nil, nil
}

func (s *memoryStore) Create(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == user.Username {
			return User{}, ErrUsernameExists
		}
	}
	s.nextID++
	user.ID = s.nextID
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	s.users[user.ID] = cloneUser(user)
	return cloneUser(user), nil
}

func (s *memoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *memoryStore) List(_ context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, cloneUser(user))
	}
	slices.SortFunc(out, func(a, b User) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *memoryStore) ListByRole(ctx context.Context, role Role) ([]User, error) {
	all, _ := s.List(ctx)
	out := make([]User, 0, len(all))
	for _, user := range all {
		if user.HasRole(role) {
			out = append(out, user)
		}
	}
	return out, nil
}

func (s *memoryStore) RecordSecurityEvent(_ context.Context, event SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memoryStore) eventsOfType(eventType SecurityEventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, event := range s.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

// plainPasswords stores passwords as "hash:<raw>" to keep tests fast.
type plainPasswords struct{}

func (plainPasswords) Matches(raw, hash string) bool {
	return hash == "hash:"+raw
}

func (plainPasswords) Hash(raw string) (string, error) {
	return "hash:" + raw, nil
}

type mockPasswords struct {
	mock.Mock
}

func (m *mockPasswords) Matches(raw, hash string) bool {
	return m.Called(raw, hash).Bool(0)
}

func (m *mockPasswords) Hash(raw string) (string, error) {
	args := m.Called(raw)
	return args.String(0), args.Error(1)
}

type sentNotification struct {
	Event     notify.Event
	Recipient notify.Recipient
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(event notify.Event, recipient notify.Recipient) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{Event: event, Recipient: recipient})
}

func (n *recordingNotifier) count(event notify.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.Event == event {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) last() sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[len(n.sent)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testEpoch = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

func aliceUser() User {
	return User{
		Username:     "alice",
		Email:        "alice@example.com",
		FirstName:    "Alice",
		LastName:     "Liddell",
		PasswordHash: "hash:right-password",
		Roles:        []Role{RoleUser},
		Active:       true,
	}
}

type authFixture struct {
	store    *memoryStore
	notifier *recordingNotifier
	tracker  *LoginAttemptTracker
	codec    *TokenCodec
	clock    *fakeClock
	auth     *Authenticator
}

func newAuthFixture(users ...User) *authFixture {
	clock := newFakeClock(testEpoch)
	store := newMemoryStore(users...)
	notifier := &recordingNotifier{}

	tracker := NewLoginAttemptTracker(AttemptConfig{Window: 2 * time.Minute, Capacity: 100})
	tracker.WithClock(clock.Now)

	codec := NewTokenCodec(TokenConfig{Secret: "test-secret", Issuer: "fruits-store", Audience: "fruits-store-api", TTL: time.Hour})
	codec.WithClock(clock.Now)

	authenticator := NewAuthenticator(store, plainPasswords{}, codec, tracker, notifier)
	authenticator.WithClock(clock.Now)
	authenticator.WithEventRecorder(store)

	return &authFixture{
		store:    store,
		notifier: notifier,
		tracker:  tracker,
		codec:    codec,
		clock:    clock,
		auth:     authenticator,
	}
}
