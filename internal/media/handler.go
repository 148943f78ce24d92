package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"fruits-store/internal/observability"
)

const maxUploadSizeBytes = 10 << 20

type ImageUploader interface {
	Upload(ctx context.Context, source string) (Image, error)
}

// uploadError is a client mistake reported as 400 with its message.
type uploadError string

func (e uploadError) Error() string { return string(e) }

type UploadHandler struct {
	uploader ImageUploader
	logger   *observability.Logger
}

func NewUploadHandler(uploader ImageUploader, logger *observability.Logger) *UploadHandler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &UploadHandler{uploader: uploader, logger: logger}
}

// Upload accepts a multipart "file" field holding an image and returns the
// stored asset.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.uploader == nil {
		writeError(w, http.StatusServiceUnavailable, "image uploader is not configured")
		return
	}

	filename, contentType, data, err := readImage(w, r)
	if err != nil {
		var clientErr uploadError
		if errors.As(err, &clientErr) {
			writeError(w, http.StatusBadRequest, clientErr.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	dataURI := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
	image, err := h.uploader.Upload(r.Context(), dataURI)
	if err != nil {
		h.logger.Error("media_upload_failed", map[string]any{
			"request_id": observability.RequestIDFrom(r.Context()),
			"filename":   filename,
			"error":      err.Error(),
		})
		sentry.CaptureException(err)
		writeError(w, http.StatusBadGateway, "failed to upload image")
		return
	}

	h.logger.Info("media_uploaded", map[string]any{
		"filename":  filename,
		"bytes":     len(data),
		"public_id": image.PublicID,
	})
	writeJSON(w, http.StatusOK, image)
}

func readImage(w http.ResponseWriter, r *http.Request) (string, string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSizeBytes+(1<<20))
	if err := r.ParseMultipartForm(maxUploadSizeBytes); err != nil {
		return "", "", nil, err
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", nil, uploadError("file is required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSizeBytes+1))
	switch {
	case err != nil:
		return "", "", nil, uploadError("failed to read file")
	case len(data) == 0:
		return "", "", nil, uploadError("file is empty")
	case len(data) > maxUploadSizeBytes:
		return "", "", nil, uploadError("file is too large")
	}

	// The client's Content-Type header is ignored.
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return "", "", nil, uploadError("file must be an image")
	}

	return header.Filename, contentType, data, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
