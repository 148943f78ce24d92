package cart

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"fruits-store/internal/auth"
)

const maxJSONBodyBytes = 1 << 20

type Store interface {
	Get(ctx context.Context, userID int64) (Cart, error)
	AddItem(ctx context.Context, userID int64, input ItemInput) error
	RemoveItem(ctx context.Context, userID int64, productID string) error
	Clear(ctx context.Context, userID int64) error
}

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOf(w, r)
	if !ok {
		return
	}
	h.writeCart(w, r, principal.ID, http.StatusOK)
}

func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOf(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var input ItemInput
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if input.Quantity == 0 {
		input.Quantity = 1
	}
	if err := input.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.AddItem(r.Context(), principal.ID, input); err != nil {
		if errors.Is(err, ErrProductNotFound) {
			writeError(w, http.StatusNotFound, ErrProductNotFound.Error())
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to add item")
		return
	}

	h.writeCart(w, r, principal.ID, http.StatusOK)
}

func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOf(w, r)
	if !ok {
		return
	}

	productID := r.PathValue("productId")
	if _, err := uuid.Parse(productID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	if err := h.store.RemoveItem(r.Context(), principal.ID, productID); err != nil {
		if errors.Is(err, ErrItemNotFound) {
			writeError(w, http.StatusNotFound, ErrItemNotFound.Error())
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to remove item")
		return
	}

	h.writeCart(w, r, principal.ID, http.StatusOK)
}

func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOf(w, r)
	if !ok {
		return
	}

	if err := h.store.Clear(r.Context(), principal.ID); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to clear cart")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeCart(w http.ResponseWriter, r *http.Request, userID int64, status int) {
	c, err := h.store.Get(r.Context(), userID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load cart")
		return
	}
	writeJSON(w, status, c)
}

func principalOf(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusForbidden, "authentication is required to access this resource")
		return auth.Principal{}, false
	}
	return principal, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
