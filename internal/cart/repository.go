package cart

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureCart creates the user's cart if it does not exist yet.
func (r *Repository) EnsureCart(ctx context.Context, userID int64) error {
	_, err := r.ensure(ctx, r.db, userID)
	return err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repository) ensure(ctx context.Context, q queryer, userID int64) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid v7: %w", err)
	}

	var cartID string
	err = q.QueryRowContext(ctx, `
		INSERT INTO carts (id, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id
	`, id.String(), userID, time.Now().UTC()).Scan(&cartID)
	if err != nil {
		return "", fmt.Errorf("ensure cart: %w", err)
	}
	return cartID, nil
}

func (r *Repository) Get(ctx context.Context, userID int64) (Cart, error) {
	cartID, err := r.ensure(ctx, r.db, userID)
	if err != nil {
		return Cart{}, err
	}

	c := Cart{ID: cartID, UserID: userID, Items: make([]Item, 0)}
	if err := r.db.QueryRowContext(ctx, `SELECT updated_at FROM carts WHERE id = $1`, cartID).Scan(&c.UpdatedAt); err != nil {
		return Cart{}, fmt.Errorf("query cart: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT p.id, p.title, p.price, ci.quantity
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = $1
		ORDER BY ci.added_at ASC
	`, cartID)
	if err != nil {
		return Cart{}, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ProductID, &item.Title, &item.UnitPrice, &item.Quantity); err != nil {
			return Cart{}, fmt.Errorf("scan cart item: %w", err)
		}
		c.Items = append(c.Items, item)
	}
	if err := rows.Err(); err != nil {
		return Cart{}, fmt.Errorf("iterate cart items: %w", err)
	}

	c.recompute()
	return c, nil
}

// AddItem adds quantity to the product's line, creating it when absent.
// The resulting quantity is capped at maxQuantity.
func (r *Repository) AddItem(ctx context.Context, userID int64, input ItemInput) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add item tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, input.ProductID).Scan(&exists); err != nil {
		return fmt.Errorf("check product: %w", err)
	}
	if !exists {
		return ErrProductNotFound
	}

	cartID, err := r.ensure(ctx, tx, userID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cart_items (cart_id, product_id, quantity, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cart_id, product_id)
		DO UPDATE SET quantity = LEAST(cart_items.quantity + EXCLUDED.quantity, $5)
	`, cartID, input.ProductID, input.Quantity, now, maxQuantity); err != nil {
		return fmt.Errorf("upsert cart item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE carts SET updated_at = $2 WHERE id = $1`, cartID, now); err != nil {
		return fmt.Errorf("touch cart: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add item tx: %w", err)
	}
	return nil
}

func (r *Repository) RemoveItem(ctx context.Context, userID int64, productID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM cart_items ci
		USING carts c
		WHERE ci.cart_id = c.id AND c.user_id = $1 AND ci.product_id = $2
	`, userID, productID)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *Repository) Clear(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM cart_items ci
		USING carts c
		WHERE ci.cart_id = c.id AND c.user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
