// Package auth verifies bearer tokens presented to the gateway. The gateway
// never issues credentials; it validates HS256 tokens signed with a shared
// secret and, when a store is attached, consults a revocation list.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/lms-api-gateway/internal/domain"
	"github.com/tbourn/lms-api-gateway/internal/metrics"
	"github.com/tbourn/lms-api-gateway/internal/store"
)

var (
	ErrMissingToken = errors.New("auth: access token is required")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrRevokedToken = errors.New("auth: token has been revoked")
)

// RevokedPrefix prefixes revocation keys: auth:revoked:<sha256 hex>.
const RevokedPrefix = "auth:revoked:"

// Claims is the token payload. The subject is read from "sub" and falls
// back to the legacy "id" / "userId" fields.
type Claims struct {
	jwt.RegisteredClaims
	LegacyID string `json:"id,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

func (c *Claims) subject() string {
	switch {
	case c.Subject != "":
		return c.Subject
	case c.LegacyID != "":
		return c.LegacyID
	default:
		return c.UserID
	}
}

// Guard verifies Authorization headers.
type Guard struct {
	secret  []byte
	revoked store.Store // nil disables revocation checks
	parser  *jwt.Parser
}

// NewGuard returns a Guard for the shared secret. A non-nil store enables
// the revocation list.
func NewGuard(secret string, revoked store.Store) *Guard {
	return &Guard{
		secret:  []byte(secret),
		revoked: revoked,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		),
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	tok, ok := strings.CutPrefix(header, "Bearer ")
	tok = strings.TrimSpace(tok)
	return tok, ok && tok != ""
}

// RevocationKey is the store key for token.
func RevocationKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return RevokedPrefix + hex.EncodeToString(sum[:])
}

// Verify validates header and returns the claims it carries. It returns
// ErrMissingToken, ErrInvalidToken or ErrRevokedToken. A failing
// revocation lookup is ignored.
func (g *Guard) Verify(ctx context.Context, header string) (*domain.AuthClaims, error) {
	tok, ok := BearerToken(header)
	if !ok {
		g.record("missing")
		return nil, ErrMissingToken
	}

	var c Claims
	if _, err := g.parser.ParseWithClaims(tok, &c, func(*jwt.Token) (any, error) {
		return g.secret, nil
	}); err != nil {
		reason := "invalid"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "expired"
		}
		g.record(reason)
		return nil, ErrInvalidToken
	}
	sub := c.subject()
	if sub == "" {
		g.record("invalid")
		return nil, ErrInvalidToken
	}

	if g.revoked != nil {
		revoked, err := g.revoked.Exists(ctx, RevocationKey(tok))
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("revocation check failed; accepting token")
		} else if revoked {
			g.record("revoked")
			return nil, ErrRevokedToken
		}
	}

	metrics.AuthAttempts.WithLabelValues("ok").Inc()
	out := &domain.AuthClaims{Subject: sub, Email: c.Email, Role: c.Role}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

// Revoke adds token to the revocation list until it would have expired.
// The request path only reads the list; entries are written by the auth
// service on logout under RevocationKey, and Revoke serves operator tooling
// that shares the store.
func (g *Guard) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if g.revoked == nil {
		return errors.New("auth: revocation store not configured")
	}
	return g.revoked.Set(ctx, RevocationKey(token), []byte("1"), ttl)
}

// Authorize checks the route's role requirement.
func Authorize(route *domain.RouteDescriptor, claims *domain.AuthClaims) bool {
	role := ""
	if claims != nil {
		role = claims.Role
	}
	ok := route.AllowsRole(role)
	if !ok {
		metrics.AuthAttempts.WithLabelValues("forbidden").Inc()
		metrics.AuthFailures.WithLabelValues("forbidden").Inc()
	}
	return ok
}

func (g *Guard) record(reason string) {
	outcome := reason
	if reason == "expired" {
		outcome = "invalid"
	}
	metrics.AuthAttempts.WithLabelValues(outcome).Inc()
	metrics.AuthFailures.WithLabelValues(reason).Inc()
}

// Sign mints an HS256 token; it exists for tooling and tests.
func Sign(secret string, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
