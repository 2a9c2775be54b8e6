// Package auth verifies the bearer tokens callers present. Tokens are HS256
// JWTs issued by the tenant's identity service; they carry the user, role,
// member profile and tenant of the caller.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("authorization header required")
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongTenant  = errors.New("token was issued for another tenant")
	ErrForbidden    = errors.New("insufficient permissions")
)

// Role is what a caller may do within its tenant.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Claims are the token contents the API relies on. Subject is the user id.
type Claims struct {
	Role     Role   `json:"role"`
	MemberID string `json:"member_id,omitempty"`
	Tenant   string `json:"tenant"`
	jwt.RegisteredClaims
}

func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// Member returns the caller's member profile id, if the token carries one.
func (c *Claims) Member() (uuid.UUID, bool) {
	id, err := uuid.Parse(c.MemberID)
	return id, err == nil
}

// CanActFor reports whether the caller may act on memberID: admins may act
// for anyone, members only for themselves.
func (c *Claims) CanActFor(memberID uuid.UUID) bool {
	if c.IsAdmin() {
		return true
	}
	id, ok := c.Member()
	return ok && id == memberID
}

// Config holds token settings.
type Config struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// Authenticator issues and verifies tokens.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func New(config Config) (*Authenticator, error) {
	if len(config.Secret) < 16 {
		return nil, errors.New("auth: secret must be at least 16 bytes")
	}
	ttl := config.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{
		secret: []byte(config.Secret),
		issuer: config.Issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue signs a token for a user of tenant. memberID may be uuid.Nil for
// administrators without a member profile.
func (a *Authenticator) Issue(subject string, role Role, memberID uuid.UUID, tenant string) (string, error) {
	now := a.now()
	claims := Claims{
		Role:   role,
		Tenant: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	if memberID != uuid.Nil {
		claims.MemberID = memberID.String()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token and returns its claims.
func (a *Authenticator) Parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	switch claims.Role {
	case RoleAdmin, RoleMember:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}

type contextKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the claims of the authenticated caller.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}

// Middleware requires a valid bearer token issued for the request's tenant.
// tenantOf reports the slug the request was resolved to.
func (a *Authenticator) Middleware(tenantOf func(*http.Request) string, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				onError(w, r, ErrMissingToken)
				return
			}
			claims, err := a.Parse(strings.TrimSpace(token))
			if err != nil {
				onError(w, r, err)
				return
			}
			if !strings.EqualFold(claims.Tenant, tenantOf(r)) {
				onError(w, r, ErrWrongTenant)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireAdmin lets only administrators through.
func RequireAdmin(onError func(http.ResponseWriter, *http.Request, error), next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := FromContext(r.Context())
		if !ok || !claims.IsAdmin() {
			onError(w, r, ErrForbidden)
			return
		}
		next(w, r)
	}
}
