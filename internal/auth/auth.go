// Package auth verifies the signed access token presented when a realtime
// connection is opened.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the cookie carrying the access token.
const CookieName = "accessToken"

var (
	// ErrUnauthorized means no token was presented.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means a token was presented but could not be accepted.
	ErrForbidden = errors.New("forbidden")
)

// Claims is the payload of an access token. The user id is taken from
// userId, then _id, then the registered subject.
type Claims struct {
	UserID   string `json:"userId,omitempty"`
	LegacyID string `json:"_id,omitempty"`
	jwt.RegisteredClaims
}

// User returns the user id carried by the claims.
func (c *Claims) User() string {
	for _, id := range []string{c.UserID, c.LegacyID, c.RegisteredClaims.Subject} {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return ""
}

// Verifier checks HMAC-signed access tokens against a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("auth: empty token secret")
	}
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify returns the user id of a valid token. An empty token yields
// ErrUnauthorized; any other failure yields ErrForbidden.
func (v *Verifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrForbidden, err)
	}

	userID := claims.User()
	if userID == "" {
		return "", fmt.Errorf("%w: token carries no user id", ErrForbidden)
	}
	return userID, nil
}

// Sign issues an HS256 token for userID that expires after ttl.
func (v *Verifier) Sign(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest returns the access token cookie of r, or "" when absent.
func TokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// Authenticate verifies the token carried by r.
func (v *Verifier) Authenticate(r *http.Request) (string, error) {
	return v.Verify(TokenFromRequest(r))
}
