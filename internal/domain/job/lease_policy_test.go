package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLeasePolicy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		policy, err := NewLeasePolicy(10*time.Second, 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, policy.Heartbeat())
		assert.Equal(t, 30*time.Second, policy.Visibility())
	})

	t.Run("invalid heartbeat", func(t *testing.T) {
		policy, err := NewLeasePolicy(0, time.Minute)
		require.ErrorIs(t, err, ErrInvalidHeartbeat)
		assert.Nil(t, policy)
	})

	t.Run("visibility not above heartbeat", func(t *testing.T) {
		_, err := NewLeasePolicy(10*time.Second, 10*time.Second)
		require.ErrorIs(t, err, ErrVisibilityTooShort)
	})
}

func TestLeasePolicy_StaleBefore(t *testing.T) {
	policy, err := NewLeasePolicy(10*time.Second, 30*time.Second)
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, now.Add(-30*time.Second), policy.StaleBefore(now))
}

func TestResolveTTL(t *testing.T) {
	t.Run("whole seconds", func(t *testing.T) {
		d := ResolveTTL(900 * time.Second)
		assert.Equal(t, 900, d.Seconds)
		assert.False(t, d.Clamped)
	})

	t.Run("sub-second clamps to one", func(t *testing.T) {
		d := ResolveTTL(200 * time.Millisecond)
		assert.Equal(t, 1, d.Seconds)
		assert.True(t, d.Clamped)
	})

	t.Run("negative clamps to one", func(t *testing.T) {
		d := ResolveTTL(-time.Minute)
		assert.Equal(t, 1, d.Seconds)
		assert.True(t, d.Clamped)
		assert.Equal(t, -time.Minute, d.Requested)
	})
}
