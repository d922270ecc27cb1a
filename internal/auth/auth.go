// Package auth validates the bearer tokens on AI endpoints. Tokens are HS256
// JWTs carrying the user id; everything quota-relevant (tier, counters) is
// re-read from the store on every request, never trusted from the token.
package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"packsmith/internal/types"
)

// Claims is the token payload the service accepts.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks bearer tokens.
type Verifier struct {
	secret   []byte
	audience string
}

// NewVerifier builds a verifier for the given signing secret and expected
// audience.
func NewVerifier(secret, audience string) *Verifier {
	return &Verifier{secret: []byte(secret), audience: audience}
}

// UserID extracts and validates the bearer token on r, returning the subject
// user id. Signature, expiry, and audience are all enforced.
func (v *Verifier) UserID(r *http.Request) (string, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return "", err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	_, err = jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", types.WrapError(types.CodeUnauthorized, err, "invalid token")
	}
	if claims.Subject == "" {
		return "", types.NewError(types.CodeUnauthorized, "token carries no subject")
	}
	return claims.Subject, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", types.NewError(types.CodeUnauthorized, "missing authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", types.NewError(types.CodeUnauthorized, "malformed authorization header")
	}
	return token, nil
}
