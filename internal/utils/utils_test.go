package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestNewServiceToken(t *testing.T) {
	tok, err := NewServiceToken("s3cret", "enterpark", RolePublisher, 30)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), tok.Exp, 5*time.Second)

	parsed, err := jwt.Parse(tok.Token, func(*jwt.Token) (interface{}, error) { return []byte("s3cret"), nil })
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "enterpark", claims["sub"])
	assert.Equal(t, RolePublisher, claims["role"])

	_, err = NewServiceToken("", "enterpark", RolePublisher, 30)
	assert.Error(t, err)
}

func TestSecretHashing(t *testing.T) {
	hash, err := HashSecret("hunter2", bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, VerifySecret(hash, "hunter2"))
	assert.False(t, VerifySecret(hash, "hunter3"))
	assert.False(t, VerifySecret("not-a-hash", "hunter2"))
}
