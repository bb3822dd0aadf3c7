package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/cadenza-io/cadenza/internal/domain"
)

const DefaultTokenTTL = 10 * time.Minute

type tokenClaims struct {
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id"`
	Attempt   int       `json:"attempt"`
	ExpiresAt time.Time `json:"expires_at"`
	Nonce     string    `json:"nonce"`
}

// TokenIssuer mints HMAC-SHA256 signed execution tokens. A token is bound
// to one (run, node, attempt) and carries an expiry; verification rejects
// expired tokens and tokens presented against a different attempt, which
// is what keeps a superseded pre-retry result from landing after a newer
// attempt went out.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: secret, ttl: ttl, clock: time.Now}
}

func (t *TokenIssuer) Mint(runID, nodeID string, attempt int) (domain.ExecutionToken, error) {
	expiresAt := t.clock().Add(t.ttl)
	claims := tokenClaims{
		RunID:     runID,
		NodeID:    nodeID,
		Attempt:   attempt,
		ExpiresAt: expiresAt,
		Nonce:     uuid.NewString(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return domain.ExecutionToken{}, domain.NewInternalError("failed to encode token claims", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	value := encoded + "." + t.sign(encoded)

	return domain.ExecutionToken{
		Value:     value,
		RunID:     runID,
		NodeID:    nodeID,
		Attempt:   attempt,
		ExpiresAt: expiresAt,
	}, nil
}

func (t *TokenIssuer) Verify(value, runID, nodeID string, attempt int) error {
	parts := strings.SplitN(value, ".", 2)
	if len(parts) != 2 {
		return domain.NewTokenError("malformed execution token", domain.ErrTokenMismatch)
	}

	if !hmac.Equal([]byte(t.sign(parts[0])), []byte(parts[1])) {
		return domain.NewTokenError("execution token signature invalid", domain.ErrTokenMismatch)
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return domain.NewTokenError("malformed execution token payload", domain.ErrTokenMismatch)
	}

	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return domain.NewTokenError("malformed execution token claims", domain.ErrTokenMismatch)
	}

	token := domain.ExecutionToken{
		Value:     value,
		RunID:     claims.RunID,
		NodeID:    claims.NodeID,
		Attempt:   claims.Attempt,
		ExpiresAt: claims.ExpiresAt,
	}
	if token.RunID != runID || token.NodeID != nodeID || token.Attempt != attempt {
		return domain.NewTokenError("execution token bound to a different attempt", domain.ErrTokenMismatch)
	}
	if token.Expired(t.clock()) {
		return domain.NewTokenError("execution token expired", domain.ErrTokenExpired)
	}
	return nil
}

func (t *TokenIssuer) sign(encoded string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Signer produces the envelope signature over the idempotency key and
// token. HMAC-SHA256 with a shared secret; the executor side verifies with
// the same key.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

func (s *Signer) Sign(task domain.TaskEnvelope) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(task.IdempotencyKey))
	mac.Write([]byte{0})
	mac.Write([]byte(task.Token))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Signer) VerifyEnvelope(task domain.TaskEnvelope) bool {
	return hmac.Equal([]byte(s.Sign(task)), []byte(task.Signature))
}
