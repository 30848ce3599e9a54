package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ServerConfig is the HTTP bind configuration shared by both processes.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, production
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// HMACConfig holds shared-secret settings for the signed channel.
type HMACConfig struct {
	Secret            string `mapstructure:"secret"`              // inline secret (env override)
	SecretFile        string `mapstructure:"secret_file"`         // file holding the hex secret
	ToleranceMS       int64  `mapstructure:"tolerance_ms"`        // timestamp skew tolerance
	GracePeriodMS     int64  `mapstructure:"grace_period_ms"`     // rotation grace period
	RotationStateFile string `mapstructure:"rotation_state_file"` // last_rotation_time persistence

	// RotationIntervalHours is the scheduled rotation cadence (assistant only).
	RotationIntervalHours int `mapstructure:"rotation_interval_hours"`
}

// LLMConfig points at the local inference endpoint.
type LLMConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	NumCtx         int    `mapstructure:"num_ctx"` // 0 = model default
}

// CompactionConfig bounds the per-conversation context window.
// Trigger is count > ContextSize; batch must satisfy 10 <= Batch < ContextSize/2.
type CompactionConfig struct {
	ContextSize int  `mapstructure:"context_size"`
	BatchSize   int  `mapstructure:"batch_size"`
	Archive     bool `mapstructure:"archive"` // archive instead of delete
}

// IngestionConfig controls the knowledge drop directory.
type IngestionConfig struct {
	Dir          string `mapstructure:"dir"`
	KeepFiles    bool   `mapstructure:"keep_files"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	Overlap      int    `mapstructure:"overlap"`
	MaxFileBytes int64  `mapstructure:"max_file_bytes"`
}

// SchedulerConfig controls the background ticker.
type SchedulerConfig struct {
	IntervalSeconds     int `mapstructure:"interval_seconds"`
	StartupDelaySeconds int `mapstructure:"startup_delay_seconds"`
}

// OutboundConfig governs assistant-side reply composition.
type OutboundConfig struct {
	ContextMessages int  `mapstructure:"context_messages"` // recent messages per prompt
	TimeAwareness   bool `mapstructure:"time_awareness"`
}

// MemoryConfig holds storage encryption settings.
type MemoryConfig struct {
	KeyFile          string `mapstructure:"key_file"`
	RequireEncrypted bool   `mapstructure:"require_encrypted"`
}

// MeshEndpointConfig points the assistant at the mesh service.
type MeshEndpointConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// AssistantConfig is the full configuration tree of the assistant process.
type AssistantConfig struct {
	Server     ServerConfig       `mapstructure:"server"`
	Log        LogConfig          `mapstructure:"log"`
	Database   DatabaseConfig     `mapstructure:"database"`
	HMAC       HMACConfig         `mapstructure:"hmac"`
	LLM        LLMConfig          `mapstructure:"llm"`
	Mesh       MeshEndpointConfig `mapstructure:"mesh"`
	Memory     MemoryConfig       `mapstructure:"memory"`
	Compaction CompactionConfig   `mapstructure:"compaction"`
	Ingestion  IngestionConfig    `mapstructure:"ingestion"`
	Scheduler  SchedulerConfig    `mapstructure:"scheduler"`
	Outbound   OutboundConfig     `mapstructure:"outbound"`
	PromptsDir string             `mapstructure:"prompts_dir"`
	PolicyPath string             `mapstructure:"policy_path"`
	EnvFile    string             `mapstructure:"env_file"` // watched by the tamper check
}

// SignalConfig configures the signal-cli child process.
type SignalConfig struct {
	Command           string `mapstructure:"command"` // signal-cli binary path
	Account           string `mapstructure:"account"` // bot's own number
	RPCTimeoutSeconds int    `mapstructure:"rpc_timeout_seconds"`
	AttachmentsDir    string `mapstructure:"attachments_dir"`
}

// AssistantEndpointConfig points the mesh at the assistant service.
type AssistantEndpointConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// OutboundPacingConfig governs mesh-side send pacing: the hourly buckets and
// the per-conversation cooldowns.
type OutboundPacingConfig struct {
	MaxPerHour           int `mapstructure:"max_per_hour"`
	EscalatedMaxPerHour  int `mapstructure:"escalated_max_per_hour"`
	DMCooldownSeconds    int `mapstructure:"dm_cooldown_seconds"`
	GroupCooldownSeconds int `mapstructure:"group_cooldown_seconds"`
}

// MeshConfig is the full configuration tree of the mesh process.
type MeshConfig struct {
	Server         ServerConfig            `mapstructure:"server"`
	Log            LogConfig               `mapstructure:"log"`
	HMAC           HMACConfig              `mapstructure:"hmac"`
	Signal         SignalConfig            `mapstructure:"signal"`
	Assistant      AssistantEndpointConfig `mapstructure:"assistant"`
	Outbound       OutboundPacingConfig    `mapstructure:"outbound"`
	ForwardWorkers int                     `mapstructure:"forward_workers"`
}

// LoadAssistant loads the assistant configuration: defaults, then
// config.yaml from the given dir (or ./config, .), then JOI_* env overrides.
func LoadAssistant(configDir string) (*AssistantConfig, error) {
	v := viper.New()
	setAssistantDefaults(v)

	if err := readLayeredConfig(v, configDir); err != nil {
		return nil, err
	}

	v.SetEnvPrefix("JOI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg AssistantConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assistant config: %w", err)
	}
	if err := validateCompaction(cfg.Compaction); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadMesh loads the mesh configuration with MESH_* env overrides.
func LoadMesh(configDir string) (*MeshConfig, error) {
	v := viper.New()
	setMeshDefaults(v)

	if err := readLayeredConfig(v, configDir); err != nil {
		return nil, err
	}

	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg MeshConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mesh config: %w", err)
	}
	return &cfg, nil
}

// readLayeredConfig reads the first config.yaml found in configDir, ./config
// and the working directory. A missing file is not an error.
func readLayeredConfig(v *viper.Viper, configDir string) error {
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	dirs := []string{}
	if configDir != "" {
		dirs = append(dirs, configDir)
	}
	dirs = append(dirs, "./config", ".")

	for _, dir := range dirs {
		path := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// validateCompaction enforces the batch/window relationship at startup.
func validateCompaction(c CompactionConfig) error {
	if c.BatchSize < 10 {
		return fmt.Errorf("compaction batch_size must be >= 10, got %d", c.BatchSize)
	}
	if c.BatchSize*2 >= c.ContextSize {
		return fmt.Errorf("compaction batch_size %d must be < context_size/2 (context_size %d)", c.BatchSize, c.ContextSize)
	}
	return nil
}

func setAssistantDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.mode", "production")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "/var/lib/joi/memory.db")

	v.SetDefault("hmac.secret_file", "/etc/joi/hmac.key")
	v.SetDefault("hmac.tolerance_ms", 300000)
	v.SetDefault("hmac.grace_period_ms", 60000)
	v.SetDefault("hmac.rotation_state_file", "/var/lib/joi/hmac-rotation-state.json")
	v.SetDefault("hmac.rotation_interval_hours", 168)

	v.SetDefault("llm.base_url", "http://127.0.0.1:11434")
	v.SetDefault("llm.model", "llama3.1:8b")
	v.SetDefault("llm.timeout_seconds", 180)
	v.SetDefault("llm.num_ctx", 0)

	v.SetDefault("mesh.url", "http://127.0.0.1:8444")
	v.SetDefault("mesh.timeout_seconds", 10)

	v.SetDefault("memory.key_file", "/etc/joi/memory.key")
	v.SetDefault("memory.require_encrypted", false)

	v.SetDefault("compaction.context_size", 50)
	v.SetDefault("compaction.batch_size", 20)
	v.SetDefault("compaction.archive", false)

	v.SetDefault("ingestion.dir", "/var/lib/joi/ingestion")
	v.SetDefault("ingestion.keep_files", false)
	v.SetDefault("ingestion.chunk_size", 500)
	v.SetDefault("ingestion.overlap", 50)
	v.SetDefault("ingestion.max_file_bytes", 1048576)

	v.SetDefault("scheduler.interval_seconds", 60)
	v.SetDefault("scheduler.startup_delay_seconds", 10)

	v.SetDefault("outbound.context_messages", 20)
	v.SetDefault("outbound.time_awareness", true)

	v.SetDefault("prompts_dir", "/var/lib/joi/prompts")
	v.SetDefault("policy_path", "/var/lib/joi/policy/mesh-policy.json")
	v.SetDefault("env_file", "/etc/default/joi-api")
}

func setMeshDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8444)
	v.SetDefault("server.mode", "production")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("hmac.secret_file", "/etc/mesh/hmac.key")
	v.SetDefault("hmac.tolerance_ms", 300000)

	v.SetDefault("signal.command", "signal-cli")
	v.SetDefault("signal.rpc_timeout_seconds", 30)
	v.SetDefault("signal.attachments_dir", "/var/lib/mesh/attachments")

	v.SetDefault("assistant.url", "http://127.0.0.1:8443")
	v.SetDefault("assistant.timeout_seconds", 10)

	v.SetDefault("outbound.max_per_hour", 60)
	v.SetDefault("outbound.escalated_max_per_hour", 120)
	v.SetDefault("outbound.dm_cooldown_seconds", 5)
	v.SetDefault("outbound.group_cooldown_seconds", 2)

	v.SetDefault("forward_workers", 4)
}

// ReadSecret resolves the HMAC shared secret: inline value wins, otherwise
// the secret file is read and trimmed. Returns nil when unconfigured.
func (c HMACConfig) ReadSecret() []byte {
	if c.Secret != "" {
		return []byte(strings.TrimSpace(c.Secret))
	}
	if c.SecretFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.SecretFile)
	if err != nil {
		return nil
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil
	}
	return []byte(s)
}
