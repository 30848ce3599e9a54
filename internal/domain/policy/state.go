package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Rotation is the optional hmac_rotation section of a config push.
type Rotation struct {
	NewSecret     string `json:"new_secret"` // hex
	EffectiveAtMS int64  `json:"effective_at_ms"`
	GracePeriodMS int64  `json:"grace_period_ms"`
}

// State is the mesh-side policy holder. The policy is opaque to the mesh:
// pushes replace it wholesale and the canonical hash is recomputed from the
// received body with timestamp_ms and hmac_rotation stripped.
//
// State also owns the live HMAC secrets: the current key, and during a
// rotation grace window the previous key.
type State struct {
	logger     *zap.Logger
	secretFile string

	mu            sync.Mutex
	policy        Policy
	hasPolicy     bool
	hash          string
	appliedAt     int64
	currentSecret []byte
	oldSecret     []byte
	oldExpires    time.Time
}

// NewState creates the mesh config state with the boot secret (may be nil
// when unconfigured; verification then fails closed).
func NewState(secret []byte, secretFile string, logger *zap.Logger) *State {
	return &State{
		logger:        logger,
		secretFile:    secretFile,
		currentSecret: secret,
	}
}

// ApplyPush installs a pushed config. The body is the parsed JSON object of
// the request. Returns the canonical hash of the applied policy.
func (s *State) ApplyPush(body map[string]any) (string, error) {
	var rotation *Rotation
	if raw, ok := body["hmac_rotation"]; ok {
		data, err := json.Marshal(raw)
		if err == nil {
			var r Rotation
			if err := json.Unmarshal(data, &r); err == nil && r.NewSecret != "" {
				rotation = &r
			}
		}
		delete(body, "hmac_rotation")
	}
	delete(body, "timestamp_ms")

	hash, err := Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash config: %w", err)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("decode policy: %w", err)
	}

	s.mu.Lock()
	s.policy = p
	s.hasPolicy = true
	s.hash = hash
	s.appliedAt = time.Now().UnixMilli()
	s.mu.Unlock()

	s.logger.Info("Applied config push",
		zap.String("config_hash", hash[:16]),
		zap.Bool("kill_switch", p.Security.KillSwitch),
	)

	if rotation != nil {
		if err := s.applyRotation(rotation); err != nil {
			return hash, err
		}
	}
	return hash, nil
}

// applyRotation installs the new secret as current and keeps the previous
// one valid until the grace period elapses.
func (s *State) applyRotation(r *Rotation) error {
	newKey := []byte(r.NewSecret)

	s.mu.Lock()
	if r.GracePeriodMS > 0 {
		s.oldSecret = s.currentSecret
		s.oldExpires = time.Now().Add(time.Duration(r.GracePeriodMS) * time.Millisecond)
	} else {
		s.oldSecret = nil
	}
	s.currentSecret = newKey
	s.mu.Unlock()

	s.logger.Info("HMAC key rotated",
		zap.Int64("grace_period_ms", r.GracePeriodMS),
	)

	if s.secretFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.secretFile), 0o700); err != nil {
		return fmt.Errorf("create secret dir: %w", err)
	}
	tmp := s.secretFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(r.NewSecret+"\n"), 0o600); err != nil {
		return fmt.Errorf("persist secret: %w", err)
	}
	return os.Rename(tmp, s.secretFile)
}

// Secrets returns the current secret and, while a grace window is open, the
// previous one. The second value is nil outside a grace window.
func (s *State) Secrets() (current, old []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oldSecret != nil && time.Now().After(s.oldExpires) {
		s.oldSecret = nil
	}
	return s.currentSecret, s.oldSecret
}

// Policy returns a snapshot of the applied policy and whether one exists.
func (s *State) Policy() (Policy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy, s.hasPolicy
}

// ConfigHash returns the applied hash, empty before the first push.
func (s *State) ConfigHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hash
}

// AppliedAt returns the epoch ms of the last applied push, 0 if none.
func (s *State) AppliedAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appliedAt
}

// IsKillSwitchActive reports the pushed kill-switch flag.
func (s *State) IsKillSwitchActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasPolicy && s.policy.Security.KillSwitch
}

// IsPrivacyMode reports the pushed privacy-mode flag. Defaults to true
// before any push so logs stay redacted until told otherwise.
func (s *State) IsPrivacyMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasPolicy {
		return true
	}
	return s.policy.Security.PrivacyMode
}
