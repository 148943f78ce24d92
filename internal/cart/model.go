package cart

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/shopspring/decimal"
)

const maxQuantity = 99

var (
	ErrProductNotFound = errors.New("product not found")
	ErrItemNotFound    = errors.New("item not in cart")
)

type Item struct {
	ProductID string          `json:"product_id"`
	Title     string          `json:"title"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Cart struct {
	ID        string          `json:"id"`
	UserID    int64           `json:"user_id"`
	Items     []Item          `json:"items"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// recompute fills every subtotal and the cart total from unit prices.
func (c *Cart) recompute() {
	total := decimal.Zero
	for i := range c.Items {
		c.Items[i].Subtotal = c.Items[i].UnitPrice.Mul(decimal.NewFromInt(int64(c.Items[i].Quantity)))
		total = total.Add(c.Items[i].Subtotal)
	}
	c.Total = total
}

type ItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (in ItemInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.ProductID, validation.Required, is.UUID),
		validation.Field(&in.Quantity, validation.Required, validation.Min(1), validation.Max(maxQuantity)),
	)
}
