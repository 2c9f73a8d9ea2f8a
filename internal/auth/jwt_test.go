package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAccessToken(t *testing.T) {
	a := NewJWTAuthenticator("s3cret", "bookpay", "identity")

	token, err := a.IssueToken("user-42", time.Minute)
	require.NoError(t, err)

	parsed, err := a.ValidateAccessToken(token)
	require.NoError(t, err)
	sub, err := Subject(parsed)
	require.NoError(t, err)
	assert.Equal(t, "user-42", sub)

	_, err = NewJWTAuthenticator("other", "bookpay", "identity").ValidateAccessToken(token)
	assert.Error(t, err, "wrong secret")

	_, err = NewJWTAuthenticator("s3cret", "someone-else", "identity").ValidateAccessToken(token)
	assert.Error(t, err, "wrong audience")

	expired, err := a.IssueToken("user-42", -time.Minute)
	require.NoError(t, err)
	_, err = a.ValidateAccessToken(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidateRejectsUnsignedTokens(t *testing.T) {
	a := NewJWTAuthenticator("s3cret", "bookpay", "identity")
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.ValidateAccessToken(none)
	assert.Error(t, err)
}
