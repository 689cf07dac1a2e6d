package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager(t *testing.T) {
	tm, err := NewTokenManager([]byte("test-secret"), time.Minute)
	require.NoError(t, err)

	t.Run("RoundTrip", func(t *testing.T) {
		token, err := tm.GenerateToken("fleetguard", "node-agent")
		require.NoError(t, err)
		assert.Equal(t, token.IssuedAt.Add(time.Minute), token.ExpiresAt)

		claims, err := tm.ValidateToken(token.Value, "node-agent")
		require.NoError(t, err)
		assert.Equal(t, "fleetguard", claims.Subject)
	})

	t.Run("WrongAudience", func(t *testing.T) {
		token, err := tm.GenerateToken("fleetguard", "node-agent")
		require.NoError(t, err)

		_, err = tm.ValidateToken(token.Value, "webhook")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other, err := NewTokenManager([]byte("other-secret"), time.Minute)
		require.NoError(t, err)
		token, err := other.GenerateToken("fleetguard", "node-agent")
		require.NoError(t, err)

		_, err = tm.ValidateToken(token.Value, "node-agent")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Expired", func(t *testing.T) {
		expired, err := NewTokenManager([]byte("test-secret"), time.Minute)
		require.NoError(t, err)
		expired.now = func() time.Time { return time.Now().Add(-time.Hour) }

		token, err := expired.GenerateToken("fleetguard", "node-agent")
		require.NoError(t, err)

		_, err = tm.ValidateToken(token.Value, "node-agent")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("EmptySecret", func(t *testing.T) {
		_, err := NewTokenManager(nil, time.Minute)
		assert.Error(t, err)
	})
}
