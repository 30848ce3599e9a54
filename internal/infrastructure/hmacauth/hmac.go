package hmacauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/joi-assistant/joi/pkg/errors"
)

// Signed request headers.
const (
	HeaderNonce     = "X-Nonce"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-HMAC-SHA256"
)

const (
	// DefaultToleranceMS is the maximum accepted timestamp skew.
	DefaultToleranceMS int64 = 300000

	// NonceRetention must stay strictly greater than twice the tolerance.
	NonceRetention = 15 * time.Minute

	// maxNonces bounds the in-memory store; oldest entries are evicted.
	maxNonces = 10000
)

// Compute returns the hex HMAC-SHA256 over nonce || decimal_timestamp || body.
func Compute(nonce string, timestamp int64, body []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(nonce))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers produces the three signed headers for an outgoing request.
func Headers(body []byte, secret []byte) map[string]string {
	nonce := uuid.NewString()
	ts := time.Now().UnixMilli()
	return map[string]string{
		HeaderNonce:     nonce,
		HeaderTimestamp: strconv.FormatInt(ts, 10),
		HeaderSignature: Compute(nonce, ts, body, secret),
	}
}

// VerifyTimestamp checks |now - ts| against the tolerance.
func VerifyTimestamp(timestamp int64, toleranceMS int64, now time.Time) error {
	skew := now.UnixMilli() - timestamp
	if skew < -toleranceMS {
		return apperrors.NewAuthError(apperrors.CodeTimestampSkewFuture, "timestamp too far in the future")
	}
	if skew > toleranceMS {
		return apperrors.NewAuthError(apperrors.CodeTimestampSkewPast, "timestamp too far in the past")
	}
	return nil
}

// VerifySignature compares the received MAC against each candidate secret
// in order (current first, then the grace-window key) in constant time.
func VerifySignature(nonce string, timestamp int64, body []byte, signature string, secrets [][]byte) bool {
	received, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	for _, secret := range secrets {
		if len(secret) == 0 {
			continue
		}
		expected, _ := hex.DecodeString(Compute(nonce, timestamp, body, secret))
		if hmac.Equal(expected, received) {
			return true
		}
	}
	return false
}

// NonceStore records seen nonces for replay detection.
type NonceStore interface {
	// CheckAndStore returns a replay_detected error when the nonce was seen
	// within the retention window, and records it otherwise.
	CheckAndStore(nonce, source string) error
	// Cleanup removes expired nonces.
	Cleanup() int
}

type nonceEntry struct {
	expiresAt  time.Time
	insertedAt time.Time
}

// MemoryNonceStore is a bounded in-memory nonce store (mesh side).
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]nonceEntry
}

// NewMemoryNonceStore creates an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{entries: make(map[string]nonceEntry)}
}

// CheckAndStore implements NonceStore.
func (s *MemoryNonceStore) CheckAndStore(nonce, source string) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[nonce]; ok && now.Before(e.expiresAt) {
		return apperrors.NewAuthError(apperrors.CodeReplayDetected, "nonce already seen from "+source)
	}

	if len(s.entries) >= maxNonces {
		s.evictOldestLocked()
	}
	s.entries[nonce] = nonceEntry{
		expiresAt:  now.Add(NonceRetention),
		insertedAt: now,
	}
	return nil
}

// Cleanup implements NonceStore.
func (s *MemoryNonceStore) Cleanup() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for nonce, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, nonce)
			removed++
		}
	}
	return removed
}

func (s *MemoryNonceStore) evictOldestLocked() {
	var oldest string
	var oldestAt time.Time
	for nonce, e := range s.entries {
		if oldest == "" || e.insertedAt.Before(oldestAt) {
			oldest = nonce
			oldestAt = e.insertedAt
		}
	}
	if oldest != "" {
		delete(s.entries, oldest)
	}
}

// Len returns the current store size.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
