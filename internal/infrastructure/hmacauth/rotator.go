package hmacauth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultGracePeriodMS keeps the previous key valid for one minute after a
// scheduled rotation. Incident rotations pass grace = 0.
const DefaultGracePeriodMS int64 = 60000

// PushFunc delivers a config-push payload to the mesh signed with the given
// secret and returns an error when the mesh rejects it.
type PushFunc func(payload map[string]any, secret []byte) error

// PayloadFunc produces the current config-push payload.
type PayloadFunc func() (map[string]any, error)

type rotationState struct {
	LastRotationMS int64 `json:"last_rotation_ms"`
}

// Rotator owns the assistant-side HMAC key lifecycle: generation, push with
// grace-period metadata, local persistence and dual-key verification.
type Rotator struct {
	logger        *zap.Logger
	secretFile    string
	stateFile     string
	gracePeriodMS int64

	mu            sync.Mutex
	currentSecret []byte // in-memory override after rotation
	bootSecret    []byte // secret loaded at startup
	oldSecret     []byte
	oldExpires    time.Time
	lastRotation  time.Time
}

// NewRotator creates a rotator seeded with the boot secret.
func NewRotator(bootSecret []byte, secretFile, stateFile string, gracePeriodMS int64, logger *zap.Logger) *Rotator {
	if gracePeriodMS <= 0 {
		gracePeriodMS = DefaultGracePeriodMS
	}
	r := &Rotator{
		logger:        logger,
		secretFile:    secretFile,
		stateFile:     stateFile,
		gracePeriodMS: gracePeriodMS,
		bootSecret:    bootSecret,
	}
	r.loadState()
	return r
}

func (r *Rotator) loadState() {
	if r.stateFile == "" {
		return
	}
	data, err := os.ReadFile(r.stateFile)
	if err != nil {
		return
	}
	var st rotationState
	if err := json.Unmarshal(data, &st); err != nil {
		r.logger.Warn("Failed to parse rotation state", zap.Error(err))
		return
	}
	if st.LastRotationMS > 0 {
		r.lastRotation = time.UnixMilli(st.LastRotationMS)
	}
}

func (r *Rotator) saveState() {
	if r.stateFile == "" {
		return
	}
	st := rotationState{LastRotationMS: r.lastRotation.UnixMilli()}
	data, _ := json.Marshal(st)
	if err := os.MkdirAll(filepath.Dir(r.stateFile), 0o700); err != nil {
		r.logger.Error("Failed to create rotation state dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(r.stateFile, data, 0o600); err != nil {
		r.logger.Error("Failed to save rotation state", zap.Error(err))
	}
}

// CurrentSecret returns the signing key: the in-memory key after a rotation,
// the boot key otherwise. Nil means unconfigured.
func (r *Rotator) CurrentSecret() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentSecret != nil {
		return r.currentSecret
	}
	return r.bootSecret
}

// ValidSecrets returns the keys accepted for verification: current plus the
// previous key while its grace window is open.
func (r *Rotator) ValidSecrets() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var secrets [][]byte
	if r.currentSecret != nil {
		secrets = append(secrets, r.currentSecret)
	} else if r.bootSecret != nil {
		secrets = append(secrets, r.bootSecret)
	}
	if r.oldSecret != nil {
		if time.Now().After(r.oldExpires) {
			r.oldSecret = nil
		} else {
			secrets = append(secrets, r.oldSecret)
		}
	}
	return secrets
}

// Rotate generates a fresh 32-byte secret, pushes it to the mesh inside the
// config payload signed with the current key, then installs it locally and
// persists the hex to the secret file.
func (r *Rotator) Rotate(useGrace bool, payloadFn PayloadFunc, push PushFunc) error {
	r.mu.Lock()
	current := r.currentSecret
	if current == nil {
		current = r.bootSecret
	}
	r.mu.Unlock()
	if current == nil {
		return fmt.Errorf("no current secret configured")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	newSecretHex := hex.EncodeToString(raw)

	grace := r.gracePeriodMS
	if !useGrace {
		grace = 0
	}

	payload, err := payloadFn()
	if err != nil {
		return fmt.Errorf("build push payload: %w", err)
	}
	payload["hmac_rotation"] = map[string]any{
		"new_secret":      newSecretHex,
		"effective_at_ms": time.Now().UnixMilli() + grace,
		"grace_period_ms": grace,
	}

	// The push signs with the pre-rotation key. The lock is not held here:
	// the signing path may read CurrentSecret.
	r.logger.Info("Starting HMAC key rotation", zap.Bool("grace", useGrace))
	if err := push(payload, current); err != nil {
		return fmt.Errorf("mesh rejected rotation: %w", err)
	}

	// Mesh accepted; switch over locally. The key bytes are the hex string
	// itself so a restart reading the secret file derives the same key.
	r.mu.Lock()
	defer r.mu.Unlock()
	if useGrace {
		r.oldSecret = current
		r.oldExpires = time.Now().Add(time.Duration(grace) * time.Millisecond)
	} else {
		r.oldSecret = nil
	}
	r.currentSecret = []byte(newSecretHex)

	if err := r.persistSecret(newSecretHex); err != nil {
		return err
	}

	r.lastRotation = time.Now()
	r.saveState()

	r.logger.Info("HMAC rotation complete",
		zap.Int64("grace_period_ms", grace),
	)
	return nil
}

func (r *Rotator) persistSecret(secretHex string) error {
	if r.secretFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.secretFile), 0o700); err != nil {
		return fmt.Errorf("create secret dir: %w", err)
	}
	tmp := r.secretFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(secretHex+"\n"), 0o600); err != nil {
		return fmt.Errorf("persist secret: %w", err)
	}
	return os.Rename(tmp, r.secretFile)
}

// LastRotation returns the last rotation time, zero if never rotated.
func (r *Rotator) LastRotation() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRotation
}

// ShouldRotate reports whether the interval has elapsed since the last
// rotation. A rotator that has never rotated returns false: the initial key
// exchange is a manual step.
func (r *Rotator) ShouldRotate(interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastRotation.IsZero() {
		return false
	}
	return time.Since(r.lastRotation) >= interval
}
