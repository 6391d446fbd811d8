// Package httpapi exposes the event store over HTTP for the platform's
// internal services. Requests authenticate with service JWTs and are
// authorized against an externally supplied access policy.
package httpapi

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad authorization header")
)

// Authenticator resolves the calling service from an Authorization header.
type Authenticator interface {
	ServiceFromAuthHeader(h string) (string, error)
}

const defaultKeyCacheTTL = 15 * time.Minute

// Auth validates service JWTs. Production deployments verify RS256 tokens
// against a JWKS endpoint; local and test setups use a shared HS256 secret.
type Auth struct {
	jwks       *keyfunc.JWKS
	audience   string
	issuer     string
	hmacSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates an RS256 validator backed by the given JWKS.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	return &Auth{
		jwks:        jwks,
		audience:    audience,
		issuer:      issuer,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: defaultKeyCacheTTL,
	}
}

// NewLocalAuth creates an HS256 validator with a shared secret, for local
// runs and tests.
func NewLocalAuth(secret []byte, audience, issuer string) *Auth {
	return &Auth{
		hmacSecret: secret,
		audience:   audience,
		issuer:     issuer,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// ServiceFromAuthHeader validates the bearer token and returns the service
// name carried in the sub claim.
func (a *Auth) ServiceFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errBadAuthorization
	}
	tokenStr := parts[1]
	if strings.Count(tokenStr, ".") != 2 {
		return "", errBadAuthorization
	}

	var token *jwt.Token
	var err error
	if a.hmacSecret != nil {
		token, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.hmacSecret, nil
		})
	} else {
		token, err = a.parser.Parse(tokenStr, a.keyForToken)
	}
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	// One minute of clock skew tolerance.
	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, false) {
		return "", errors.New("invalid issuer")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}
	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}
	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
