package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAccessTokenTTL = 12 * time.Hour
	defaultTokenIssuer    = "rightsd"
	defaultTokenAudience  = "rights-facade"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingAccessToken   = errors.New("auth: access token required")
	ErrInvalidAccessToken   = errors.New("auth: invalid access token")
	ErrExpiredAccessToken   = errors.New("auth: access token expired")
	errMissingTokenSubject  = errors.New("auth: token subject required")
)

// AccessTokensConfig describes the HS256 tokens guarding the local
// facade. The signing secret is shared between the daemon and the
// reading application it serves.
type AccessTokensConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// AccessTokens mints and validates the bearer tokens the facade
// requires on every call.
type AccessTokens struct {
	signingSecret []byte
	issuer        string
	audience      string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewAccessTokens constructs the token component with validated
// configuration.
func NewAccessTokens(cfg AccessTokensConfig) (*AccessTokens, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}

	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultTokenIssuer
	}

	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultTokenAudience
	}

	tokenTTL := cfg.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = defaultAccessTokenTTL
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &AccessTokens{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		tokenTTL:      tokenTTL,
		clock:         clock,
	}, nil
}

// Issue produces a signed token for the named client and reports its
// expiry.
func (t *AccessTokens) Issue(subject string) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errMissingTokenSubject
	}

	now := t.clock().UTC()
	expiresAt := now.Add(t.tokenTTL)

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    t.issuer,
		Audience:  []string{t.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// Validate checks the supplied token string and returns its subject.
func (t *AccessTokens) Validate(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrMissingAccessToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidAccessToken, token.Method.Alg())
			}
			return t.signingSecret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithTimeFunc(t.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredAccessToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidAccessToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidAccessToken
	}

	return claims.Subject, nil
}

// ValidateRequest extracts the bearer token from the Authorization
// header and validates it.
func (t *AccessTokens) ValidateRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingAccessToken
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrMissingAccessToken
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidAccessToken
	}

	return t.Validate(token)
}
