package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fruits-store/internal/auth"
	"fruits-store/internal/cart"
	"fruits-store/internal/category"
	"fruits-store/internal/maintenance"
	"fruits-store/internal/media"
	"fruits-store/internal/observability"
	"fruits-store/internal/product"
)

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

type stubUsers map[string]auth.User

func (s stubUsers) ByUsername(_ context.Context, username string) (auth.User, error) {
	user, ok := s[username]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return user, nil
}

type stubCategories struct {
	category.Store
	created []category.Input
}

func (s *stubCategories) List(context.Context) ([]category.Category, error) {
	return []category.Category{{ID: "0190a3f4-0000-7000-8000-000000000001", Name: "Citrus"}}, nil
}

func (s *stubCategories) Create(_ context.Context, input category.Input) (category.Category, error) {
	s.created = append(s.created, input)
	return category.Category{ID: "0190a3f4-0000-7000-8000-000000000002", Name: input.Name}, nil
}

type routerFixture struct {
	handler    http.Handler
	codec      *auth.TokenCodec
	categories *stubCategories
}

func newRouterFixture(t *testing.T, ping error) *routerFixture {
	t.Helper()

	logger := observability.NewNopLogger()
	metrics := observability.NewMetrics()
	codec := auth.NewTokenCodec(auth.TokenConfig{
		Secret:   "router-secret",
		Issuer:   "fruits-store",
		Audience: "fruits-store-clients",
		TTL:      time.Hour,
	})
	users := stubUsers{
		"root":   {ID: 1, Username: "root", Roles: []auth.Role{auth.RoleAdmin}, Active: true},
		"alice":  {ID: 2, Username: "alice", Roles: []auth.Role{auth.RoleCustomer}, Active: true},
		"frozen": {ID: 3, Username: "frozen", Roles: []auth.Role{auth.RoleAdmin}, Active: true, Locked: true},
	}
	tracker := auth.NewLoginAttemptTracker(auth.AttemptConfig{Window: time.Minute, Capacity: 10})
	categories := &stubCategories{}

	c := &components{
		logger:     logger,
		metrics:    metrics,
		authorizer: auth.NewRequestAuthorizer(codec, users, auth.AuthorizerConfig{}, logger),
		limiter:    auth.NewLoginRateLimiter(5, time.Minute),

		metricsToken: "metrics-token",

		authHandler:     auth.NewHandler(nil, nil, logger),
		productHandler:  product.NewHandler(nil, nil),
		categoryHandler: category.NewHandler(categories),
		cartHandler:     cart.NewHandler(nil),
		mediaHandler:    media.NewUploadHandler(nil, logger),
		cleanupHandler:  maintenance.NewCleanupHandler(nil, tracker, logger, "cron-secret", time.Hour, 10),
		health:          healthHandler(stubPinger{err: ping}),
	}

	return &routerFixture{handler: newRouter(c), codec: codec, categories: categories}
}

func (f *routerFixture) token(t *testing.T, username string, roles ...string) string {
	t.Helper()
	token, err := f.codec.Issue(username, roles, time.Now())
	require.NoError(t, err)
	return "Bearer " + token.Raw
}

func (f *routerFixture) do(method, path, authorization, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := newRouterFixture(t, nil).do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = newRouterFixture(t, context.DeadlineExceeded).do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), "database timeout")

	rec = newRouterFixture(t, errors.New("connection refused")).do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "reason")
}

func TestPublicCatalogNeedsNoToken(t *testing.T) {
	rec := newRouterFixture(t, nil).do(http.MethodGet, "/categories", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Citrus")
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	f := newRouterFixture(t, nil)
	body := `{"name":"Berries"}`

	rec := f.do(http.MethodPost, "/categories", "", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication is required")

	rec = f.do(http.MethodPost, "/categories", f.token(t, "alice", "CUSTOMER"), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "you do not have permission")

	rec = f.do(http.MethodPost, "/categories", f.token(t, "root", "ADMIN"), body)
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.categories.created, 1)
	assert.Equal(t, "Berries", f.categories.created[0].Name)
}

func TestLockedAccountTokenIsIgnored(t *testing.T) {
	f := newRouterFixture(t, nil)

	rec := f.do(http.MethodPost, "/categories", f.token(t, "frozen", "ADMIN"), `{"name":"Berries"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication is required")
	assert.Empty(t, f.categories.created)
}

func TestProtectedRoutesRejectAnonymous(t *testing.T) {
	f := newRouterFixture(t, nil)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/auth/me"},
		{http.MethodPut, "/auth/password"},
		{http.MethodPost, "/auth/lock"},
		{http.MethodPost, "/auth/unlock"},
		{http.MethodGet, "/auth/users"},
		{http.MethodGet, "/auth/customers"},
		{http.MethodDelete, "/auth/users/7"},
		{http.MethodPost, "/products"},
		{http.MethodDelete, "/products/0190a3f4-0000-7000-8000-000000000009"},
		{http.MethodGet, "/cart"},
		{http.MethodPost, "/cart/items"},
		{http.MethodPost, "/media/upload"},
	}

	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := f.do(tc.method, tc.path, "", "")
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
}

func TestCartRequiresCustomerRole(t *testing.T) {
	f := newRouterFixture(t, nil)

	rec := f.do(http.MethodGet, "/cart", f.token(t, "root", "ADMIN"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "you do not have permission")
}

func TestPreflightShortCircuits(t *testing.T) {
	rec := newRouterFixture(t, nil).do(http.MethodOptions, "/auth/users", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestCleanupRequiresCronSecret(t *testing.T) {
	f := newRouterFixture(t, nil)

	rec := f.do(http.MethodPost, "/internal/maintenance/cleanup", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/internal/maintenance/cleanup", "Bearer wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMetricsEndpointRequiresToken(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.do(http.MethodGet, "/health", "", "")

	rec := f.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), "auth_login_total")

	rec = f.do(http.MethodGet, "/metrics", "Bearer wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/metrics", "Bearer metrics-token", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",status="200"}`)
}

func TestLoginIsRateLimited(t *testing.T) {
	f := newRouterFixture(t, nil)

	// Empty bodies fail validation before the authenticator is reached.
	for i := 0; i < 5; i++ {
		rec := f.do(http.MethodPost, "/auth/login", "", `{}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}

	rec := f.do(http.MethodPost, "/auth/login", "", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
