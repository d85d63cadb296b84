package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is set on tokens minted by IssueLegacyToken.
const Issuer = "songforge-api"

var ErrMalformedHeader = errors.New("invalid authorization header format")

// LegacyClaims are HMAC-signed tokens used in development and tests.
type LegacyClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

func ValidateLegacyToken(tokenString, secret string) (*LegacyClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &LegacyClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*LegacyClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// IssueLegacyToken signs a token for userID valid for ttl (0 means no expiry).
func IssueLegacyToken(secret, userID, email string, ttl time.Duration) (string, error) {
	claims := LegacyClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   Issuer,
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerToken extracts the token from an "Authorization: Bearer x" header.
func BearerToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrMalformedHeader
	}
	return strings.TrimSpace(parts[1]), nil
}

// Identity is what a verified token tells us about the caller.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Verify tries the JWKS verifier first and falls back to the HMAC secret.
// Either may be absent.
func Verify(verifier TokenVerifier, secret, tokenString string) (*Identity, error) {
	if verifier != nil {
		id, err := verifier.Validate(tokenString)
		if err == nil {
			return id, nil
		}
		if secret == "" {
			return nil, err
		}
	}
	if secret == "" {
		return nil, errors.New("authentication not configured")
	}
	claims, err := ValidateLegacyToken(tokenString, secret)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
}
