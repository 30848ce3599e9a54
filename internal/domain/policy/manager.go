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

// Manager holds the authoritative policy on the assistant side.
// It persists to disk, keeps the canonical hash current, and hands out
// deep copies so callers never mutate shared state.
type Manager struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	policy Policy
	hash   string
}

// NewManager loads the policy from path, creating it with defaults when
// absent or unreadable.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	m := &Manager{path: path, logger: logger}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	switch {
	case err == nil:
		var p Policy
		if jsonErr := json.Unmarshal(data, &p); jsonErr != nil {
			m.logger.Error("Failed to parse policy file, using defaults",
				zap.String("path", m.path), zap.Error(jsonErr))
			m.policy = Default()
		} else {
			if p.Identity.Groups == nil {
				p.Identity.Groups = map[string]GroupPolicy{}
			}
			if p.Identity.AllowedSenders == nil {
				p.Identity.AllowedSenders = []string{}
			}
			m.policy = p
			m.logger.Info("Loaded policy", zap.String("path", m.path))
		}
	case os.IsNotExist(err):
		m.logger.Warn("Policy file not found, creating defaults", zap.String("path", m.path))
		m.policy = Default()
		if saveErr := m.saveLocked(); saveErr != nil {
			return saveErr
		}
	default:
		return fmt.Errorf("read policy %s: %w", m.path, err)
	}

	return m.rehashLocked()
}

// saveLocked writes the policy to disk. Caller holds the lock.
func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	data, err := json.MarshalIndent(m.policy, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	return os.Rename(tmp, m.path)
}

func (m *Manager) rehashLocked() error {
	h, err := Hash(m.policy)
	if err != nil {
		return err
	}
	m.hash = h
	return nil
}

// Get returns a copy of the current policy.
func (m *Manager) Get() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked()
}

func (m *Manager) copyLocked() Policy {
	p := m.policy
	p.Identity.AllowedSenders = append([]string(nil), m.policy.Identity.AllowedSenders...)
	p.Identity.Groups = make(map[string]GroupPolicy, len(m.policy.Identity.Groups))
	for id, g := range m.policy.Identity.Groups {
		p.Identity.Groups[id] = GroupPolicy{
			Participants: append([]string(nil), g.Participants...),
			Names:        append([]string(nil), g.Names...),
		}
	}
	return p
}

// ConfigHash returns the canonical SHA-256 hash of the current policy.
func (m *Manager) ConfigHash() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hash
}

// PushPayload returns the policy as a generic map with timestamp_ms added,
// ready to be pushed to the mesh. The timestamp is excluded from hashing.
func (m *Manager) PushPayload() (map[string]any, error) {
	p := m.Get()
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	payload["timestamp_ms"] = time.Now().UnixMilli()
	return payload, nil
}

// Update applies fn to the policy under the lock, then persists and rehashes.
func (m *Manager) Update(fn func(*Policy)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.policy)
	if err := m.rehashLocked(); err != nil {
		return err
	}
	return m.saveLocked()
}

// SetKillSwitch flips the kill switch.
func (m *Manager) SetKillSwitch(active bool) error {
	err := m.Update(func(p *Policy) { p.Security.KillSwitch = active })
	if err != nil {
		return err
	}
	if active {
		m.logger.Warn("Kill switch activated, mesh forwarding will be disabled")
	} else {
		m.logger.Info("Kill switch deactivated")
	}
	return nil
}

// SetPrivacyMode flips privacy mode.
func (m *Manager) SetPrivacyMode(enabled bool) error {
	return m.Update(func(p *Policy) { p.Security.PrivacyMode = enabled })
}

// IsKillSwitchActive reports the kill switch state.
func (m *Manager) IsKillSwitchActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.Security.KillSwitch
}

// IsPrivacyMode reports the privacy mode state.
func (m *Manager) IsPrivacyMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.Security.PrivacyMode
}

// Reload re-reads the policy from disk.
func (m *Manager) Reload() error {
	return m.load()
}
