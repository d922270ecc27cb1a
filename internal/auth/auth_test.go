package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packsmith/internal/types"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "user-42",
		Audience:  jwt.ClaimStrings{"packsmith"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestValidToken(t *testing.T) {
	v := NewVerifier(testSecret, "packsmith")
	r := httptest.NewRequest("POST", "/api/ai/build-board", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, validClaims()))

	id, err := v.UserID(r)
	require.NoError(t, err)
	assert.Equal(t, "user-42", id)
}

func TestWrongSecretRejected(t *testing.T) {
	v := NewVerifier(testSecret, "packsmith")
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret", validClaims()))

	_, err := v.UserID(r)
	require.Error(t, err)
	assert.Equal(t, types.CodeUnauthorized, types.CodeOf(err))
}

func TestExpiredTokenRejected(t *testing.T) {
	v := NewVerifier(testSecret, "packsmith")
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, claims))

	_, err := v.UserID(r)
	assert.Error(t, err)
}

func TestMissingExpiryRejected(t *testing.T) {
	v := NewVerifier(testSecret, "packsmith")
	claims := validClaims()
	claims.ExpiresAt = nil
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, claims))

	_, err := v.UserID(r)
	assert.Error(t, err)
}

func TestWrongAudienceRejected(t *testing.T) {
	v := NewVerifier(testSecret, "packsmith")
	claims := validClaims()
	claims.Audience = jwt.ClaimStrings{"other-service"}
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, claims))

	_, err := v.UserID(r)
	assert.Error(t, err)
}

func TestMissingSubjectRejected(t *testing.T) {
	v := NewVerifier(testSecret, "packsmith")
	claims := validClaims()
	claims.Subject = ""
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, claims))

	_, err := v.UserID(r)
	assert.Error(t, err)
}

func TestMalformedHeaderRejected(t *testing.T) {
	v := NewVerifier(testSecret, "packsmith")

	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer "} {
		r := httptest.NewRequest("POST", "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		_, err := v.UserID(r)
		assert.Error(t, err, "header %q", header)
	}
}

func TestNoneAlgorithmRejected(t *testing.T) {
	v := NewVerifier(testSecret, "packsmith")
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims())
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	_, err = v.UserID(r)
	assert.Error(t, err)
}
