package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPassword(t *testing.T) {
	hash, err := HashPassword("pw1", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, "pw1", hash)
	assert.True(t, CheckPassword(hash, "pw1"))
	assert.False(t, CheckPassword(hash, "pw2"))
	assert.False(t, CheckPassword("not a hash", "pw1"))

	other, err := HashPassword("pw1", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "hashes must be salted")

	_, err = HashPassword(strings.Repeat("x", 100), bcrypt.MinCost)
	assert.Error(t, err)
}

func TestPasswordAtLimit(t *testing.T) {
	full := strings.Repeat("a", MaxPasswordBytes)
	hash, err := HashPassword(full, bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, full))
	assert.False(t, CheckPassword(hash, full+"EXTRA"))
}

func TestSession(t *testing.T) {
	m, err := New("secret", time.Hour)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)

	token, err := m.Issue("alice@example.com", now)
	require.NoError(t, err)

	email, err := m.Parse(token, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", email)

	_, err = m.Parse(token, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, err = m.Parse("", now)
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = m.Parse(token+"x", now)
	assert.ErrorIs(t, err, ErrInvalidSession)

	other, err := New("other", time.Hour)
	require.NoError(t, err)
	_, err = other.Parse(token, now)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = m.Issue("", now)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestRandomSecret(t *testing.T) {
	a, err := New("", time.Hour)
	require.NoError(t, err)
	b, err := New("", time.Hour)
	require.NoError(t, err)

	token, err := a.Issue("bob@example.com", time.Now())
	require.NoError(t, err)
	_, err = b.Parse(token, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSession)
}
