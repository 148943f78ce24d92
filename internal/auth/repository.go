package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const selectUser = `
	SELECT u.id, u.username, u.email, u.first_name, u.last_name, u.address, u.password_hash,
		u.locked, u.active, u.created_at, u.updated_at, u.last_login_at,
		COALESCE(string_agg(ur.role_name, ',' ORDER BY ur.role_name), '')
	FROM users u
	LEFT JOIN user_roles ur ON ur.user_id = u.id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var lastLogin sql.NullTime
	var roles string
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.FirstName, &user.LastName, &user.Address,
		&user.PasswordHash, &user.Locked, &user.Active, &user.CreatedAt, &user.UpdatedAt, &lastLogin, &roles)
	if err != nil {
		return User{}, err
	}
	if lastLogin.Valid {
		value := lastLogin.Time.UTC()
		user.LastLoginAt = &value
	}
	user.Roles = splitRoles(roles)
	return user, nil
}

func splitRoles(value string) []Role {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	roles := make([]Role, 0, len(parts))
	for _, part := range parts {
		roles = append(roles, Role(part))
	}
	return roles
}

func (r *Repository) queryOne(ctx context.Context, where string, args ...any) (User, error) {
	row := r.db.QueryRowContext(ctx, selectUser+where+` GROUP BY u.id LIMIT 1`, args...)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

func (r *Repository) ByUsername(ctx context.Context, username string) (User, error) {
	return r.queryOne(ctx, `WHERE u.username = $1`, username)
}

func (r *Repository) ByEmail(ctx context.Context, email string) (User, error) {
	return r.queryOne(ctx, `WHERE lower(u.email) = lower($1)`, email)
}

// ByUsernameOrEmail prefers a username match over an email match.
func (r *Repository) ByUsernameOrEmail(ctx context.Context, username, email string) (User, error) {
	row := r.db.QueryRowContext(ctx, selectUser+`
		WHERE u.username = $1 OR lower(u.email) = lower($2)
		GROUP BY u.id
		ORDER BY (u.username = $1) DESC
		LIMIT 1
	`, username, email)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by identifier: %w", err)
	}
	return user, nil
}

func (r *Repository) ByID(ctx context.Context, id int64) (User, error) {
	return r.queryOne(ctx, `WHERE u.id = $1`, id)
}

func (r *Repository) List(ctx context.Context) ([]User, error) {
	return r.queryMany(ctx, selectUser+` GROUP BY u.id ORDER BY u.id ASC`)
}

func (r *Repository) ListByRole(ctx context.Context, role Role) ([]User, error) {
	return r.queryMany(ctx, selectUser+`
		WHERE u.id IN (SELECT user_id FROM user_roles WHERE role_name = $1)
		GROUP BY u.id
		ORDER BY u.id ASC
	`, string(role))
}

func (r *Repository) queryMany(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}

func (r *Repository) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)`, username).Scan(&exists); err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return exists, nil
}

func (r *Repository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE lower(email) = lower($1))`, email).Scan(&exists); err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return exists, nil
}

func (r *Repository) Create(ctx context.Context, user User) (User, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin create user tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (username, email, first_name, last_name, address, password_hash, locked, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id, created_at, updated_at
	`, user.Username, user.Email, user.FirstName, user.LastName, user.Address, user.PasswordHash,
		user.Locked, user.Active, now).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, classifyWriteError(err, "insert user")
	}

	if err := insertRoles(ctx, tx, user.ID, user.Roles); err != nil {
		return User{}, err
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit create user tx: %w", err)
	}

	return user, nil
}

// SetLocked writes only the locked column.
func (r *Repository) SetLocked(ctx context.Context, id int64, locked bool) error {
	return r.updateColumns(ctx, "set locked", `
		UPDATE users SET locked = $2, updated_at = $3 WHERE id = $1
	`, id, locked, time.Now().UTC())
}

func (r *Repository) RecordLogin(ctx context.Context, id int64, at time.Time) error {
	return r.updateColumns(ctx, "record login", `
		UPDATE users SET last_login_at = $2 WHERE id = $1
	`, id, at.UTC())
}

func (r *Repository) UpdatePassword(ctx context.Context, id int64, hash string) error {
	return r.updateColumns(ctx, "update password", `
		UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1
	`, id, hash, time.Now().UTC())
}

func (r *Repository) Activate(ctx context.Context, id int64) error {
	return r.updateColumns(ctx, "activate user", `
		UPDATE users SET active = TRUE, updated_at = $2 WHERE id = $1
	`, id, time.Now().UTC())
}

func (r *Repository) updateColumns(ctx context.Context, action, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// AddRole reports whether the role was newly assigned.
func (r *Repository) AddRole(ctx context.Context, id int64, role Role) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role_name)
		SELECT id, $2 FROM users WHERE id = $1
		ON CONFLICT DO NOTHING
	`, id, string(role))
	if err != nil {
		return false, fmt.Errorf("insert user role %s: %w", role, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := r.ByID(ctx, id); err != nil {
			return false, err
		}
	}
	return affected > 0, nil
}

// RemoveRole locks the user row so two removals cannot leave the user without a role.
func (r *Repository) RemoveRole(ctx context.Context, id int64, role Role) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove role tx: %w", err)
	}
	defer tx.Rollback()

	var userID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lock user: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT role_name FROM user_roles WHERE user_id = $1`, id)
	if err != nil {
		return fmt.Errorf("query user roles: %w", err)
	}
	var held []Role
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scan user role: %w", err)
		}
		held = append(held, Role(name))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate user roles: %w", err)
	}

	if !slices.Contains(held, role) {
		return ErrRoleNotAssigned
	}
	if len(held) == 1 {
		return ErrLastRole
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_name = $2`, id, string(role)); err != nil {
		return fmt.Errorf("delete user role %s: %w", role, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove role tx: %w", err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}

	return nil
}

func insertRoles(ctx context.Context, tx *sql.Tx, userID int64, roles []Role) error {
	for _, role := range roles {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, role_name)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, userID, string(role)); err != nil {
			return fmt.Errorf("insert user role %s: %w", role, err)
		}
	}
	return nil
}

func classifyWriteError(err error, action string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case "users_username_key":
			return ErrUsernameExists
		case "users_email_lower_key":
			return ErrEmailExists
		}
	}
	return fmt.Errorf("%s: %w", action, err)
}

func (r *Repository) RecordSecurityEvent(ctx context.Context, event SecurityEvent) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate security event id: %w", err)
	}

	var userID any
	if event.UserID != 0 {
		userID = event.UserID
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO auth_security_events (id, user_id, event_type, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id.String(), userID, string(event.Type), event.Detail, event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}

	return nil
}

func (r *Repository) DeleteSecurityEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_security_events
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_security_events e
		USING stale
		WHERE e.id = stale.id
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale security events: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale security events rows affected: %w", err)
	}

	return affected, nil
}
