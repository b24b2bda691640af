package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/registry"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewJWTService_RejectsShortSecret(t *testing.T) {
	t.Parallel()

	_, err := NewJWTService(JWTConfig{Secret: "too short"})
	assert.ErrorIs(t, err, ErrInvalidSecretLength)
}

func TestJWTService_RoundTrip(t *testing.T) {
	t.Parallel()

	service, err := NewJWTService(JWTConfig{Secret: testSecret})
	require.NoError(t, err)

	resp, err := service.GenerateToken(registry.Device{DeviceID: "device-a", Name: "laptop"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)

	claims, err := service.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "device-a", claims.DeviceID)
	assert.Equal(t, "laptop", claims.DeviceName)
	assert.Equal(t, "driftsync", claims.Issuer)
}

func TestJWTService_RejectsForeignSignature(t *testing.T) {
	t.Parallel()

	issuer, err := NewJWTService(JWTConfig{Secret: testSecret})
	require.NoError(t, err)
	verifier, err := NewJWTService(JWTConfig{Secret: "ffffffffffffffffffffffffffffffff"})
	require.NoError(t, err)

	resp, err := issuer.GenerateToken(registry.Device{DeviceID: "device-a"})
	require.NoError(t, err)

	_, err = verifier.ValidateToken(resp.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_RejectsExpiredToken(t *testing.T) {
	t.Parallel()

	service, err := NewJWTService(JWTConfig{Secret: testSecret, TokenDuration: -time.Minute})
	require.NoError(t, err)

	resp, err := service.GenerateToken(registry.Device{DeviceID: "device-a"})
	require.NoError(t, err)

	_, err = service.ValidateToken(resp.AccessToken)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTService_RejectsGarbage(t *testing.T) {
	t.Parallel()

	service, err := NewJWTService(JWTConfig{Secret: testSecret})
	require.NoError(t, err)

	_, err = service.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
