package auth

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fruits-store/internal/db"
	"fruits-store/internal/observability"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	_ = godotenv.Load("../../.env")

	// Never point this at the application database; every table is truncated.
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	database, err := db.Open(ctx, databaseURL, db.PoolOptions{MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, db.RunMigrations(ctx, database, observability.NewNopLogger()))
	_, err = database.ExecContext(ctx, `
		TRUNCATE TABLE cart_items, carts, products, categories, auth_security_events, user_roles, users RESTART IDENTITY CASCADE
	`)
	require.NoError(t, err)

	return database
}

func newStoredUser(username, email string, roles ...Role) User {
	return User{
		Username:     username,
		Email:        email,
		FirstName:    "Test",
		LastName:     "User",
		PasswordHash: "hash:right-password",
		Roles:        roles,
		Active:       true,
	}
}

func TestRepositoryUserLifecycle(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	created, err := repo.Create(ctx, newStoredUser("alice", "Alice@Example.com", RoleUser))
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	_, err = repo.Create(ctx, newStoredUser("alice", "other@example.com", RoleUser))
	assert.ErrorIs(t, err, ErrUsernameExists)
	_, err = repo.Create(ctx, newStoredUser("alice2", "alice@example.com", RoleUser))
	assert.ErrorIs(t, err, ErrEmailExists, "email uniqueness ignores case")

	byEmail, err := repo.ByUsernameOrEmail(ctx, "alice@example.com", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)

	exists, err := repo.ExistsByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.True(t, exists)

	loginAt := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SetLocked(ctx, created.ID, true))
	require.NoError(t, repo.RecordLogin(ctx, created.ID, loginAt))
	require.NoError(t, repo.UpdatePassword(ctx, created.ID, "hash:rotated"))
	added, err := repo.AddRole(ctx, created.ID, RoleCustomer)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = repo.AddRole(ctx, created.ID, RoleCustomer)
	require.NoError(t, err)
	assert.False(t, added)

	reloaded, err := repo.ByID(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Locked, "password and role writes keep the lock")
	assert.Equal(t, "hash:rotated", reloaded.PasswordHash)
	require.NotNil(t, reloaded.LastLoginAt)
	assert.True(t, loginAt.Equal(*reloaded.LastLoginAt))
	assert.ElementsMatch(t, []Role{RoleUser, RoleCustomer}, reloaded.Roles)

	assert.ErrorIs(t, repo.RemoveRole(ctx, created.ID, RoleAdmin), ErrRoleNotAssigned)
	require.NoError(t, repo.RemoveRole(ctx, created.ID, RoleUser))
	assert.ErrorIs(t, repo.RemoveRole(ctx, created.ID, RoleCustomer), ErrLastRole)
	assert.ErrorIs(t, repo.SetLocked(ctx, 999, true), ErrUserNotFound)
	_, err = repo.AddRole(ctx, 999, RoleUser)
	assert.ErrorIs(t, err, ErrUserNotFound)

	customers, err := repo.ListByRole(ctx, RoleCustomer)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "alice", customers[0].Username)

	require.NoError(t, repo.Delete(ctx, created.ID))
	assert.ErrorIs(t, repo.Delete(ctx, created.ID), ErrUserNotFound)
	_, err = repo.ByUsername(ctx, "alice")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRepositorySecurityEventRetention(t *testing.T) {
	database := setupTestDB(t)
	repo := NewRepository(database)
	ctx := context.Background()

	user, err := repo.Create(ctx, newStoredUser("bob", "bob@example.com", RoleUser))
	require.NoError(t, err)

	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.RecordSecurityEvent(ctx, SecurityEvent{UserID: user.ID, Type: EventLoginFailure, CreatedAt: old}))
	}
	require.NoError(t, repo.RecordSecurityEvent(ctx, SecurityEvent{Type: EventLoginFailure, Detail: "unknown user", CreatedAt: time.Now().UTC()}))

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	deleted, err := repo.DeleteSecurityEventsBefore(ctx, cutoff, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)
	deleted, err = repo.DeleteSecurityEventsBefore(ctx, cutoff, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	var remaining int
	require.NoError(t, database.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_security_events`).Scan(&remaining))
	assert.Equal(t, 1, remaining)
}

func TestAuthenticatorLocksAgainstPostgres(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	_, err := repo.Create(ctx, newStoredUser("carol", "carol@example.com", RoleUser))
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	codec := NewTokenCodec(TokenConfig{Secret: "test-secret", Issuer: "fruits-store", Audience: "fruits-store-api", TTL: time.Hour})
	tracker := NewLoginAttemptTracker(AttemptConfig{Window: 2 * time.Minute, Capacity: 100})
	authenticator := NewAuthenticator(repo, plainPasswords{}, codec, tracker, notifier)
	authenticator.WithEventRecorder(repo)

	for i := 0; i < 3; i++ {
		_, err := authenticator.Login(ctx, "carol", "wrong")
		require.NoError(t, err)
	}

	stored, err := repo.ByUsername(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, stored.Locked)

	outcome, err := authenticator.Login(ctx, "carol@example.com", "right-password")
	require.NoError(t, err)
	assert.Equal(t, ReasonAccountLocked, outcome.Reason)

	require.NoError(t, authenticator.Unlock(ctx, "carol"))
	outcome, err = authenticator.Login(ctx, "carol", "right-password")
	require.NoError(t, err)
	require.True(t, outcome.Succeeded())

	stored, err = repo.ByUsername(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, stored.Locked)
	assert.NotNil(t, stored.LastLoginAt)
}
