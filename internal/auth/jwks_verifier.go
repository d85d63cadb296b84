package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/makeasinger/songforge/internal/config"
)

var (
	ErrMissingSubject = errors.New("token has no subject")
	ErrWrongAudience  = errors.New("token not issued for this client")
)

// TokenVerifier resolves a bearer token to the caller who will own the
// jobs created with it.
type TokenVerifier interface {
	Validate(tokenString string) (*Identity, error)
	Close() error
}

// ownerClaims is the subset of an OIDC token that identifies a job owner.
type ownerClaims struct {
	Email             string `json:"email,omitempty"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	jwt.RegisteredClaims
}

func (c *ownerClaims) identity() *Identity {
	name := c.Name
	if name == "" {
		name = c.PreferredUsername
	}
	return &Identity{UserID: c.Subject, Email: c.Email, Name: name}
}

// JWKSVerifier checks RS/ES signed tokens against the issuer's key set.
// The key set refreshes in the background until Close.
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
	stop     context.CancelFunc
}

const discoveryTimeout = 30 * time.Second

func NewJWKSVerifier(ctx context.Context, cfg *config.ZitadelConfig) (*JWKSVerifier, error) {
	issuer := strings.TrimRight(cfg.Issuer, "/")
	if issuer == "" {
		return nil, errors.New("zitadel issuer is required")
	}

	discoverCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	jwksURL, err := discoverJWKSURL(discoverCtx, issuer)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("discover key set of %s: %w", issuer, err)
	}

	refreshCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	jwks, err := keyfunc.NewDefaultCtx(refreshCtx, []string{jwksURL})
	if err != nil {
		stop()
		return nil, fmt.Errorf("load key set %s: %w", jwksURL, err)
	}

	return &JWKSVerifier{
		jwks:     jwks,
		issuer:   issuer,
		audience: cfg.ClientID,
		stop:     stop,
	}, nil
}

func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("jwks_uri missing from discovery document")
	}
	return doc.JWKSURI, nil
}

// Validate requires a signature from the key set, the configured issuer, an
// expiry and a subject. The audience is checked when a client id is set.
func (v *JWKSVerifier) Validate(tokenString string) (*Identity, error) {
	var claims ownerClaims
	if _, err := jwt.ParseWithClaims(tokenString, &claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
	); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	if v.audience != "" && !slices.Contains(claims.Audience, v.audience) {
		return nil, ErrWrongAudience
	}
	return claims.identity(), nil
}

// Close stops the background key refresh.
func (v *JWKSVerifier) Close() error {
	if v.stop != nil {
		v.stop()
	}
	return nil
}
