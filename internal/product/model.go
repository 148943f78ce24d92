package product

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("product not found")
	ErrUnknownCategory = errors.New("category does not exist")
)

var allowedHost = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)

var maxPrice = decimal.NewFromInt(1_000_000)

type Product struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	ImageURL    string          `json:"image_url"`
	CategoryID  *string         `json:"category_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type ProductInput struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	ImageURL    string          `json:"image_url"`
	CategoryID  *string         `json:"category_id"`
}

func (in *ProductInput) normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.ImageURL = strings.TrimSpace(in.ImageURL)
	in.Price = in.Price.Round(2)
	if in.CategoryID != nil {
		id := strings.TrimSpace(*in.CategoryID)
		if id == "" {
			in.CategoryID = nil
		} else {
			in.CategoryID = &id
		}
	}
}

func (in ProductInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.Length(1, 150)),
		validation.Field(&in.Description, validation.Length(0, 1000)),
		validation.Field(&in.ImageURL, validation.Required, validation.Length(1, 500), is.PrintableASCII, validation.By(httpLink)),
		validation.Field(&in.Price, validation.By(priceInRange)),
		validation.Field(&in.CategoryID, validation.NilOrNotEmpty, is.UUID),
	)
}

func httpLink(value any) error {
	raw, _ := value.(string)
	if raw == "" {
		return nil
	}
	parsed, err := url.ParseRequestURI(raw)
	if err != nil || parsed.Host == "" {
		return errors.New("must be a valid link")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("must start with http or https")
	}
	if parsed.User != nil || !allowedHost.MatchString(parsed.Hostname()) {
		return errors.New("host is invalid")
	}
	return nil
}

func priceInRange(value any) error {
	price, _ := value.(decimal.Decimal)
	if price.IsNegative() {
		return errors.New("must be >= 0")
	}
	if price.GreaterThan(maxPrice) {
		return errors.New("is too large")
	}
	return nil
}
