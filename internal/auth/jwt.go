// Package auth establishes who is calling. It never decides what a caller
// may do with a session; that stays with the session manager.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a request carries no usable
// credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is an authenticated caller.
type Principal struct {
	Subject string
}

// Authenticator resolves the principal behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// Claims are the JWT claims accepted for relay access.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTAuthenticator validates bearer JWTs against a JWKS endpoint.
type JWTAuthenticator struct {
	keyfunc  jwt.Keyfunc
	issuer   string
	audience string
	cancel   context.CancelFunc
}

// NewJWTAuthenticator fetches the key set once and keeps it refreshed in the
// background until Close.
func NewJWTAuthenticator(ctx context.Context, jwksURL, issuer, audience string) (*JWTAuthenticator, error) {
	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	k, err := keyfunc.NewDefaultCtx(refreshCtx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}
	a := NewJWTAuthenticatorWithKeyfunc(k.Keyfunc, issuer, audience)
	a.cancel = cancel
	return a, nil
}

// NewJWTAuthenticatorWithKeyfunc builds an authenticator around an existing
// key lookup.
func NewJWTAuthenticatorWithKeyfunc(kf jwt.Keyfunc, issuer, audience string) *JWTAuthenticator {
	return &JWTAuthenticator{keyfunc: kf, issuer: issuer, audience: audience}
}

// Validate parses a token and checks its signature, expiry, issuer and
// audience.
func (a *JWTAuthenticator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, a.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// Authenticate validates the request's bearer token.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}
	claims, err := a.Validate(token)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return Principal{Subject: claims.Subject}, nil
}

// Close stops background key refresh.
func (a *JWTAuthenticator) Close() {
	if a.cancel != nil {
		a.cancel()
	}
}

// tokenFromRequest reads the Authorization header, falling back to the
// token query parameter that browsers must use for websocket upgrades.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// AllowAll authenticates every request as the same principal. It is only
// used when authentication is explicitly disabled.
type AllowAll struct {
	Subject string
}

// Authenticate always succeeds.
func (a AllowAll) Authenticate(*http.Request) (Principal, error) {
	subject := a.Subject
	if subject == "" {
		subject = "anonymous"
	}
	return Principal{Subject: subject}, nil
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
