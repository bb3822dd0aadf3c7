package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-io/cadenza/internal/domain"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestTokenMintVerifyRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Minute)

	token, err := issuer.Mint("run-1", "node-a", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, token.Value)
	assert.Equal(t, "run-1", token.RunID)
	assert.Equal(t, 1, token.Attempt)

	assert.NoError(t, issuer.Verify(token.Value, "run-1", "node-a", 1))
}

func TestTokenRejectsDifferentBinding(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Minute)

	token, err := issuer.Mint("run-1", "node-a", 1)
	require.NoError(t, err)

	tests := []struct {
		name    string
		runID   string
		nodeID  string
		attempt int
	}{
		{"wrong run", "run-2", "node-a", 1},
		{"wrong node", "run-1", "node-b", 1},
		{"superseded attempt", "run-1", "node-a", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := issuer.Verify(token.Value, tt.runID, tt.nodeID, tt.attempt)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrTokenMismatch)
		})
	}
}

func TestTokenRejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Minute)

	now := time.Now()
	issuer.clock = func() time.Time { return now }

	token, err := issuer.Mint("run-1", "node-a", 1)
	require.NoError(t, err)

	issuer.clock = func() time.Time { return now.Add(2 * time.Minute) }

	err = issuer.Verify(token.Value, "run-1", "node-a", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
	assert.True(t, domain.IsTokenError(err))
}

func TestTokenRejectsTamperedValue(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Minute)

	token, err := issuer.Mint("run-1", "node-a", 1)
	require.NoError(t, err)

	tampered := "x" + token.Value
	assert.Error(t, issuer.Verify(tampered, "run-1", "node-a", 1))

	assert.Error(t, issuer.Verify("not-a-token", "run-1", "node-a", 1))
}

func TestTokenFromDifferentSecretRejected(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Minute)
	other := NewTokenIssuer([]byte("another-secret-another-secret-ab"), time.Minute)

	token, err := other.Mint("run-1", "node-a", 1)
	require.NoError(t, err)

	err = issuer.Verify(token.Value, "run-1", "node-a", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTokenMismatch)
}

func TestSignerVerifyEnvelope(t *testing.T) {
	signer := NewSigner(testSecret)

	task := domain.TaskEnvelope{
		RunID:          "run-1",
		NodeID:         "node-a",
		Attempt:        1,
		Token:          "token-value",
		IdempotencyKey: domain.IdempotencyKey("run-1", "node-a", 1),
	}
	task.Signature = signer.Sign(task)

	assert.True(t, signer.VerifyEnvelope(task))

	task.IdempotencyKey = domain.IdempotencyKey("run-1", "node-a", 2)
	assert.False(t, signer.VerifyEnvelope(task))
}
