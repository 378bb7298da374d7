package onboarding

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestTokenSigner(t *testing.T) {
	now := time.Now()
	signer := &tokenSigner{
		secret: []byte("0123456789abcdef0123456789abcdef"),
		ttl:    time.Hour,
		now:    func() time.Time { return now },
	}
	attemptID := uuid.Must(uuid.NewV7())

	t.Run("round trip", func(t *testing.T) {
		token, err := signer.issue(attemptID, "order-1")
		require.NoError(t, err)

		gotID, gotKey, err := signer.verify(token)
		require.NoError(t, err)
		require.Equal(t, attemptID, gotID)
		require.Equal(t, "order-1", gotKey)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := signer.issue(attemptID, "order-1")
		require.NoError(t, err)

		later := &tokenSigner{secret: signer.secret, ttl: time.Hour, now: func() time.Time { return now.Add(2 * time.Hour) }}
		_, _, err = later.verify(token)
		require.Error(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := signer.issue(attemptID, "order-1")
		require.NoError(t, err)

		other := &tokenSigner{secret: []byte("fedcba9876543210fedcba9876543210"), ttl: time.Hour, now: signer.now}
		_, _, err = other.verify(token)
		require.Error(t, err)
	})

	t.Run("disabled", func(t *testing.T) {
		disabled := &tokenSigner{now: time.Now}
		_, err := disabled.issue(attemptID, "order-1")
		require.ErrorIs(t, err, errTokensDisabled)
		_, _, err = disabled.verify("anything")
		require.ErrorIs(t, err, errTokensDisabled)
	})
}
