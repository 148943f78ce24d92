package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"fruits-store/internal/observability"
)

const maxBatches = 50

type AuditStore interface {
	DeleteSecurityEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type AttemptSweeper interface {
	PurgeExpired() int
}

type CleanupResult struct {
	DeletedSecurityEvents int64 `json:"deleted_security_events"`
	PurgedLoginAttempts   int   `json:"purged_login_attempts"`
	Batches               int   `json:"batches"`
}

type CleanupHandler struct {
	audit      AuditStore
	attempts   AttemptSweeper
	logger     *observability.Logger
	cronSecret string
	retention  time.Duration
	batchSize  int
	now        func() time.Time
}

func NewCleanupHandler(
	audit AuditStore,
	attempts AttemptSweeper,
	logger *observability.Logger,
	cronSecret string,
	retention time.Duration,
	batchSize int,
) *CleanupHandler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &CleanupHandler{
		audit:      audit,
		attempts:   attempts,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		retention:  retention,
		batchSize:  batchSize,
		now:        time.Now,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.Run(r.Context())
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error(), "partial": result})
		sentry.CaptureException(err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// Run sweeps expired login attempt entries and deletes security events older
// than the retention window, one batch at a time until a short batch.
func (h *CleanupHandler) Run(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	if h.attempts != nil {
		result.PurgedLoginAttempts = h.attempts.PurgeExpired()
	}

	cutoff := h.now().UTC().Add(-h.retention)
	for result.Batches < maxBatches {
		deleted, err := h.audit.DeleteSecurityEventsBefore(ctx, cutoff, h.batchSize)
		if err != nil {
			return result, err
		}
		result.Batches++
		result.DeletedSecurityEvents += deleted
		if deleted < int64(h.batchSize) {
			break
		}
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_security_events": result.DeletedSecurityEvents,
		"purged_login_attempts":   result.PurgedLoginAttempts,
		"batches":                 result.Batches,
		"cutoff":                  cutoff.Format(time.RFC3339),
	})
	return result, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
