package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Modes of operation.
const (
	ModeCompanion = "companion"
	ModeBusiness  = "business"
)

// GroupPolicy configures one allowed group.
type GroupPolicy struct {
	Participants []string `json:"participants"`
	Names        []string `json:"names"`
}

// Identity names the bot and its allowed principals.
type Identity struct {
	BotName        string                 `json:"bot_name"`
	AllowedSenders []string               `json:"allowed_senders"`
	Groups         map[string]GroupPolicy `json:"groups"`
}

// InboundLimits are the per-sender sliding-window bounds.
type InboundLimits struct {
	MaxPerHour   int `json:"max_per_hour"`
	MaxPerMinute int `json:"max_per_minute"`
}

// RateLimits groups the limiter settings.
type RateLimits struct {
	Inbound InboundLimits `json:"inbound"`
}

// Validation bounds inbound envelope content.
type Validation struct {
	MaxTextLength      int   `json:"max_text_length"`
	MaxTimestampSkewMS int64 `json:"max_timestamp_skew_ms"`
}

// Security holds the operational switches.
type Security struct {
	PrivacyMode bool `json:"privacy_mode"`
	KillSwitch  bool `json:"kill_switch"`
}

// Policy is the canonical mesh policy. The assistant owns the authoritative
// copy; the mesh holds a transient one replaced atomically on each push.
type Policy struct {
	Version          int        `json:"version"`
	Mode             string     `json:"mode"`
	DMGroupKnowledge bool       `json:"dm_group_knowledge"`
	Identity         Identity   `json:"identity"`
	RateLimits       RateLimits `json:"rate_limits"`
	Validation       Validation `json:"validation"`
	Security         Security   `json:"security"`
}

// Default returns the starting policy used when no file exists yet.
func Default() Policy {
	return Policy{
		Version:          1,
		Mode:             ModeCompanion,
		DMGroupKnowledge: false,
		Identity: Identity{
			BotName:        "Joi",
			AllowedSenders: []string{},
			Groups:         map[string]GroupPolicy{},
		},
		RateLimits: RateLimits{
			Inbound: InboundLimits{MaxPerHour: 120, MaxPerMinute: 20},
		},
		Validation: Validation{
			MaxTextLength:      1500,
			MaxTimestampSkewMS: 300000,
		},
		Security: Security{
			PrivacyMode: true,
			KillSwitch:  false,
		},
	}
}

// IsDMGroupKnowledgeEnabled reports whether DM conversations may read group
// knowledge scopes. Companion mode is hardwired off.
func (p Policy) IsDMGroupKnowledgeEnabled() bool {
	return p.Mode == ModeBusiness && p.DMGroupKnowledge
}

// IsAllowedSender reports whether id is in the allowlist.
func (p Policy) IsAllowedSender(id string) bool {
	for _, s := range p.Identity.AllowedSenders {
		if s == id {
			return true
		}
	}
	return false
}

// IsGroupParticipant reports whether id is a configured participant of the group.
func (p Policy) IsGroupParticipant(groupID, id string) bool {
	g, ok := p.Identity.Groups[groupID]
	if !ok {
		return false
	}
	for _, participant := range g.Participants {
		if participant == id {
			return true
		}
	}
	return false
}

// CanonicalJSON renders v as JSON with sorted object keys and no extra
// whitespace. The round trip through a generic value forces map ordering,
// so the result is independent of struct field order and wire key order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Hash returns the hex SHA-256 of the canonical form of v.
func Hash(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
