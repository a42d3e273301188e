package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

// PrincipalAuthConfig configures JWT verification for principal requests.
type PrincipalAuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
	Now        func() time.Time
}

// PrincipalAuthenticator resolves the calling principal from an HS256 JWT
// whose subject is a hex address.
type PrincipalAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
	skew     time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type principalContextKey struct{}

// NewPrincipalAuthenticator validates cfg and builds an authenticator.
func NewPrincipalAuthenticator(cfg PrincipalAuthConfig, logger *slog.Logger) (*PrincipalAuthenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes")
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &PrincipalAuthenticator{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		skew:     skew,
		now:      now,
		logger:   logger,
	}, nil
}

// PrincipalFromContext returns the authenticated principal.
func PrincipalFromContext(ctx context.Context) (common.Address, bool) {
	if ctx == nil {
		return common.Address{}, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(common.Address)
	return principal, ok
}

// Middleware rejects requests without a valid principal token.
func (a *PrincipalAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := a.Authenticate(token)
		if err != nil {
			a.logger.Debug("bankd/auth: token rejected", "error", err)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate verifies token and returns its subject address.
func (a *PrincipalAuthenticator) Authenticate(token string) (common.Address, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.skew),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return common.Address{}, err
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil {
		return common.Address{}, err
	}
	subject = strings.TrimSpace(subject)
	if !common.IsHexAddress(subject) {
		return common.Address{}, fmt.Errorf("subject %q is not an address", subject)
	}
	principal := common.HexToAddress(subject)
	if principal == (common.Address{}) {
		return common.Address{}, errors.New("subject is the zero address")
	}
	return principal, nil
}

// AdminAuthenticator guards operator endpoints with a static bearer token.
type AdminAuthenticator struct {
	token []byte
}

// NewAdminAuthenticator builds an authenticator for token.
func NewAdminAuthenticator(token string) (*AdminAuthenticator, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, fmt.Errorf("admin token required")
	}
	return &AdminAuthenticator{token: []byte(trimmed)}, nil
}

// Middleware enforces the admin bearer token.
func (a *AdminAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, r, http.StatusInternalServerError, "authentication unavailable")
			return
		}
		provided := []byte(parseBearerToken(r.Header.Get("Authorization")))
		if len(provided) == 0 || subtle.ConstantTimeCompare(provided, a.token) != 1 {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
