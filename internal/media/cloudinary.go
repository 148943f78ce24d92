package media

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultUploadTimeout  = 20 * time.Second
	maxUploadResponseSize = 2 << 20
)

// Image describes an asset stored by Cloudinary.
type Image struct {
	SecureURL string `json:"secure_url"`
	PublicID  string `json:"public_id,omitempty"`
	Format    string `json:"format,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
}

type uploadResult struct {
	Image
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Cloudinary uploads catalog images with signed requests. CLOUDINARY_URL has
// the form cloudinary://<api_key>:<api_secret>@<cloud_name>[?folder=<folder>].
type Cloudinary struct {
	apiKey    string
	apiSecret string
	endpoint  string
	folder    string
	client    *http.Client
	now       func() time.Time
}

func NewCloudinary(rawURL string) (*Cloudinary, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse cloudinary url: %w", err)
	}
	if parsed.Scheme != "cloudinary" {
		return nil, fmt.Errorf("cloudinary url must use the cloudinary:// scheme")
	}

	apiSecret, _ := parsed.User.Password()
	c := &Cloudinary{
		apiKey:    parsed.User.Username(),
		apiSecret: apiSecret,
		endpoint:  fmt.Sprintf("https://api.cloudinary.com/v1_1/%s/image/upload", parsed.Hostname()),
		client:    &http.Client{Timeout: defaultUploadTimeout},
		now:       time.Now,
	}
	if c.apiKey == "" || c.apiSecret == "" || parsed.Hostname() == "" {
		return nil, fmt.Errorf("cloudinary url needs api key, api secret and cloud name")
	}
	c.WithFolder(parsed.Query().Get("folder"))

	return c, nil
}

func (c *Cloudinary) WithFolder(folder string) {
	c.folder = strings.Trim(strings.TrimSpace(folder), "/")
}

// WithEndpoint points uploads at a different URL, e.g. a test server.
func (c *Cloudinary) WithEndpoint(endpoint string, client *http.Client) {
	c.endpoint = endpoint
	if client != nil {
		c.client = client
	}
}

// UploadImage stores source (a remote URL or a data URI) and returns its HTTPS URL.
func (c *Cloudinary) UploadImage(ctx context.Context, source string) (string, error) {
	image, err := c.Upload(ctx, source)
	if err != nil {
		return "", err
	}
	return image.SecureURL, nil
}

func (c *Cloudinary) Upload(ctx context.Context, source string) (Image, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return Image{}, fmt.Errorf("empty image source")
	}

	signed := map[string]string{"timestamp": strconv.FormatInt(c.now().Unix(), 10)}
	if c.folder != "" {
		signed["folder"] = c.folder
	}

	fields := map[string]string{
		"file":      source,
		"api_key":   c.apiKey,
		"signature": c.sign(signed),
	}
	for key, value := range signed {
		fields[key] = value
	}

	body, contentType, err := encodeForm(fields)
	if err != nil {
		return Image{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return Image{}, fmt.Errorf("build cloudinary request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("send cloudinary request: %w", err)
	}
	defer resp.Body.Close()

	var result uploadResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUploadResponseSize)).Decode(&result); err != nil {
		return Image{}, fmt.Errorf("decode cloudinary response (status %d): %w", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode/100 != 2 && result.Error != nil && result.Error.Message != "":
		return Image{}, fmt.Errorf("cloudinary rejected upload: %s", result.Error.Message)
	case resp.StatusCode/100 != 2:
		return Image{}, fmt.Errorf("cloudinary rejected upload with status %d", resp.StatusCode)
	case result.SecureURL == "":
		return Image{}, fmt.Errorf("cloudinary response missing secure_url")
	}

	return result.Image, nil
}

func encodeForm(fields map[string]string) (*bytes.Buffer, string, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, name := range names {
		if err := writer.WriteField(name, fields[name]); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

// sign is the hex SHA-1 of the sorted key=value pairs joined by & with the
// api secret appended.
func (c *Cloudinary) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var payload strings.Builder
	for i, key := range keys {
		if i > 0 {
			payload.WriteByte('&')
		}
		payload.WriteString(key + "=" + params[key])
	}
	payload.WriteString(c.apiSecret)

	sum := sha1.Sum([]byte(payload.String())) // #nosec G401: cloudinary API signature requires SHA-1.
	return hex.EncodeToString(sum[:])
}
