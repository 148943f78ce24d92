package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"fruits-store/internal/observability"
)

const (
	authorizationHeader    = "Authorization"
	defaultTokenPrefix     = "Bearer "
	defaultPreflightMethod = http.MethodOptions

	forbiddenMessage    = "authentication is required to access this resource"
	accessDeniedMessage = "you do not have permission to access this resource"
)

type AuthorizerConfig struct {
	Prefix          string
	PreflightMethod string
}

type PrincipalLookup interface {
	ByUsername(ctx context.Context, username string) (User, error)
}

// RequestAuthorizer attaches a Principal to requests carrying a valid token.
// It never rejects a request; RequireRole and RequireAuthenticated do that.
type RequestAuthorizer struct {
	codec     *TokenCodec
	users     PrincipalLookup
	prefix    string
	preflight string
	logger    *observability.Logger
}

func NewRequestAuthorizer(codec *TokenCodec, users PrincipalLookup, cfg AuthorizerConfig, logger *observability.Logger) *RequestAuthorizer {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultTokenPrefix
	}
	if cfg.PreflightMethod == "" {
		cfg.PreflightMethod = defaultPreflightMethod
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &RequestAuthorizer{
		codec:     codec,
		users:     users,
		prefix:    cfg.Prefix,
		preflight: cfg.PreflightMethod,
		logger:    logger,
	}
}

func (a *RequestAuthorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Method, a.preflight) {
			w.WriteHeader(http.StatusOK)
			return
		}

		header := r.Header.Get(authorizationHeader)
		if header == "" || !strings.HasPrefix(header, a.prefix) {
			next.ServeHTTP(w, r)
			return
		}

		principal, ok := a.Authorize(r.Context(), strings.TrimPrefix(header, a.prefix))
		if !ok {
			next.ServeHTTP(w, r.WithContext(clearPrincipal(r.Context())))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Authorize looks up the token's subject and, when the account is usable,
// runs full verification before trusting any claim.
func (a *RequestAuthorizer) Authorize(ctx context.Context, raw string) (Principal, bool) {
	subject, err := a.codec.SubjectOf(raw)
	if err != nil {
		return Principal{}, false
	}

	user, err := a.users.ByUsername(ctx, subject)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			a.logger.Error("authorize_lookup_failed", map[string]any{"subject": subject, "error": err.Error()})
			return Principal{}, false
		}
		a.logger.Warn("authorize_unknown_subject", map[string]any{"subject": subject})
		return Principal{}, false
	}

	if !user.Active || user.Locked {
		a.logger.Warn("authorize_account_unavailable", map[string]any{
			"user_id": user.ID,
			"active":  user.Active,
			"locked":  user.Locked,
		})
		return Principal{}, false
	}

	claims, err := a.codec.Verify(raw)
	if err != nil || claims.Subject != user.Username {
		a.logger.Warn("authorize_invalid_token", map[string]any{"user_id": user.ID})
		return Principal{}, false
	}

	return Principal{
		ID:       user.ID,
		Username: user.Username,
		Roles:    claims.Roles,
		Active:   user.Active,
		Locked:   user.Locked,
	}, true
}

func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFrom(r.Context()); !ok {
			writeError(w, http.StatusForbidden, forbiddenMessage)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole admits principals holding at least one of roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFrom(r.Context())
			if !ok {
				writeError(w, http.StatusForbidden, forbiddenMessage)
				return
			}
			for _, role := range roles {
				if principal.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, accessDeniedMessage)
		})
	}
}
