package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/porter/pkg/contextkeys"
	"github.com/platinummonkey/porter/pkg/httputil"
	"github.com/platinummonkey/porter/pkg/observability"
	"github.com/platinummonkey/porter/pkg/rbac"
)

// ErrInvalidToken is returned for every token that fails verification
var ErrInvalidToken = errors.New("invalid or expired token")

// minSecretLength is the shortest accepted HS256 key, in bytes
const minSecretLength = 32

// AuthConfig configures bearer token verification
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	Leeway   time.Duration `yaml:"leeway"`
}

// Validate checks the signing key and issuer
func (c AuthConfig) Validate() error {
	if len(c.Secret) < minSecretLength {
		return fmt.Errorf("auth secret must be at least %d bytes", minSecretLength)
	}
	if c.Issuer == "" {
		return fmt.Errorf("auth issuer is required")
	}
	return nil
}

// Claims is the token payload. The subject is the actor id.
type Claims struct {
	ActorType rbac.ActorType `json:"actor_type"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens and puts the resulting rbac.Actor in the
// request context
type Authenticator struct {
	cfg    AuthConfig
	logger *observability.Logger
	now    func() time.Time
}

// NewAuthenticator creates an authenticator after validating cfg
func NewAuthenticator(cfg AuthConfig, logger *observability.Logger) (*Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Authenticator{cfg: cfg, logger: logger, now: time.Now}, nil
}

// Issue signs a token for actor valid for ttl
func (a *Authenticator) Issue(actor rbac.Actor, ttl time.Duration) (string, error) {
	if err := actor.Validate(); err != nil {
		return "", err
	}
	now := a.now()
	claims := Claims{
		ActorType: actor.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.cfg.Issuer,
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies token and returns the actor it names
func (a *Authenticator) Parse(token string) (rbac.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(a.cfg.Leeway),
		jwt.WithTimeFunc(a.now),
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.Secret), nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return rbac.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	actor := rbac.Actor{ID: strings.TrimSpace(claims.Subject), Type: claims.ActorType}
	if err := actor.Validate(); err != nil {
		return rbac.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return actor, nil
}

// Handler rejects requests without a valid "Authorization: Bearer" token
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		actor, err := a.Parse(strings.TrimSpace(token))
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Debug("bearer token rejected")
			httputil.WriteUnauthorized(w, ErrInvalidToken.Error())
			return
		}

		ctx := contextkeys.WithActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorFromContext returns the authenticated actor set by Authenticator.Handler
func ActorFromContext(ctx context.Context) (rbac.Actor, bool) {
	actor, ok := ctx.Value(contextkeys.ActorKey).(rbac.Actor)
	return actor, ok
}
