package product

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const foreignKeyViolation = "23503"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const selectProduct = `
	SELECT id, title, description, price, image_url, category_id, created_at, updated_at
	FROM products
`

func scanProduct(row interface{ Scan(dest ...any) error }) (Product, error) {
	var p Product
	var categoryID sql.NullString
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Price, &p.ImageURL, &categoryID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Product{}, err
	}
	if categoryID.Valid {
		p.CategoryID = &categoryID.String
	}
	return p, nil
}

// List returns every product, newest first. A non-empty categoryID narrows the result.
func (r *Repository) List(ctx context.Context, categoryID string) ([]Product, error) {
	query := selectProduct + ` ORDER BY created_at DESC`
	args := []any{}
	if categoryID != "" {
		query = selectProduct + ` WHERE category_id = $1 ORDER BY created_at DESC`
		args = append(args, categoryID)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	products := make([]Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}

	return products, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Product, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx, selectProduct+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

func (r *Repository) Create(ctx context.Context, input ProductInput) (Product, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Product{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	p := Product{
		ID:          id.String(),
		Title:       input.Title,
		Description: input.Description,
		Price:       input.Price,
		ImageURL:    input.ImageURL,
		CategoryID:  input.CategoryID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO products (id, title, description, price, image_url, category_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.Title, p.Description, p.Price, p.ImageURL, p.CategoryID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return Product{}, classifyWriteError(err, "insert product")
	}

	return p, nil
}

func (r *Repository) Update(ctx context.Context, id string, input ProductInput) (Product, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx, `
		UPDATE products
		SET title = $2, description = $3, price = $4, image_url = $5, category_id = $6, updated_at = $7
		WHERE id = $1
		RETURNING id, title, description, price, image_url, category_id, created_at, updated_at
	`, id, input.Title, input.Description, input.Price, input.ImageURL, input.CategoryID, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, classifyWriteError(err, "update product")
	}

	return p, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func classifyWriteError(err error, action string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return ErrUnknownCategory
	}
	return fmt.Errorf("%s: %w", action, err)
}
