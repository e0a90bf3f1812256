package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(testSecret, "admin", "changeme", time.Hour)
	require.NoError(t, err)
	return s
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	_, err := NewService("short", "admin", "changeme", time.Hour)
	assert.Error(t, err)
}

func TestLoginRoundTrip(t *testing.T) {
	s := newTestService(t)

	resp, err := s.Login("admin", "changeme")
	require.NoError(t, err)
	require.NotEmpty(t, resp.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), resp.ExpiresAt, time.Minute)

	claims, err := s.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "sessiond", claims.Issuer)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := newTestService(t)

	_, err := s.Login("admin", "wrong")
	assert.Error(t, err)
	_, err = s.Login("nobody", "changeme")
	assert.Error(t, err)
}

func TestVerifyRejectsForeignToken(t *testing.T) {
	s := newTestService(t)
	other, err := NewService("fedcba9876543210fedcba9876543210", "admin", "changeme", time.Hour)
	require.NoError(t, err)

	resp, err := other.IssueToken("admin")
	require.NoError(t, err)

	_, err = s.Verify(resp.Token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	s, err := NewService(testSecret, "admin", "changeme", -time.Minute)
	require.NoError(t, err)

	resp, err := s.IssueToken("admin")
	require.NoError(t, err)

	_, err = s.Verify(resp.Token)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s := newTestService(t)
	_, err := s.Verify("not-a-token")
	assert.Error(t, err)
}
