// Package config loads BridgeConfig from the process environment, with an
// optional local TOML file for non-secret tuning overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// QueueLimits bounds the local runtime queue shared across bridge
// processes on the host.
type QueueLimits struct {
	MaxActiveRequests int
	QueueWaitTimeout  time.Duration
	QueueMaxLength    int
}

// Config holds all configuration values for the bridge process.
type Config struct {
	// Identity
	AgentID       string
	PlatformToken string

	// Transport
	TransportURL    string
	ProtocolVersion int

	// Adapter selection
	AdapterType    string // "childprocess" or "http_sse"
	AdapterCommand string
	AdapterArgs    []string
	GatewayURL     string // used by the http_sse adapter variant
	GatewayAPIKey  string // used by the http_sse adapter variant
	GatewayModel   string // used by the http_sse adapter variant

	// Workspace
	ProjectRoot string
	SandboxCmd  []string // when set, the child is wrapped in this command

	// Runtime queue
	Queue QueueLimits

	// Idle timeouts
	AdapterIdleTimeout time.Duration
	SessionIdleTTL     time.Duration

	// Auto-upgrade
	AutoUpgrade bool

	// Logging
	LogLevel  string
	LogFormat string

	// HTTP client timeouts
	UploadHTTPTimeout    time.Duration
	PreflightHTTPTimeout time.Duration

	// Token preflight
	JWKSEndpoint string

	// Local override file
	ConfigFilePath string

	// Runtime root for the cross-process queue state and lock directory.
	RuntimeRoot string
}

// fileOverrides is the subset of Config that may be supplied via a local
// TOML file. Secrets (AgentID, PlatformToken) are intentionally excluded —
// those always come from the environment.
type fileOverrides struct {
	TransportURL       string   `toml:"transport_url"`
	AdapterType        string   `toml:"adapter_type"`
	AdapterCommand     string   `toml:"adapter_command"`
	AdapterArgs        []string `toml:"adapter_args"`
	GatewayURL         string   `toml:"gateway_url"`
	ProjectRoot        string   `toml:"project_root"`
	MaxActiveRequests  int      `toml:"max_active_requests"`
	QueueWaitTimeoutMs int      `toml:"queue_wait_timeout_ms"`
	QueueMaxLength     int      `toml:"queue_max_length"`
	LogLevel           string   `toml:"log_level"`
	LogFormat          string   `toml:"log_format"`
}

// Load reads configuration from environment variables, then applies a
// local TOML override file when AGENT_MESH_CONFIG_FILE is set.
func Load() (*Config, error) {
	home := getEnv("HOME", "")
	runtimeRoot := getEnv("AGENT_MESH_RUNTIME_ROOT", "")
	if runtimeRoot == "" {
		if home == "" {
			runtimeRoot = "/var/lib/agent-mesh/runtime"
		} else {
			runtimeRoot = home + "/.agent-mesh/runtime"
		}
	}

	cfg := &Config{
		AgentID:       getEnv("AGENT_ID", ""),
		PlatformToken: getEnv("PLATFORM_TOKEN", ""),

		TransportURL:    getEnv("TRANSPORT_URL", ""),
		ProtocolVersion: getEnvInt("PROTOCOL_VERSION", 1),

		AdapterType:    getEnv("ADAPTER_TYPE", "childprocess"),
		AdapterCommand: getEnv("ADAPTER_COMMAND", "claude"),
		AdapterArgs:    getEnvStringSlice("ADAPTER_ARGS", nil),
		GatewayURL:     getEnv("ADAPTER_GATEWAY_URL", ""),
		GatewayAPIKey:  getEnv("ADAPTER_GATEWAY_API_KEY", ""),
		GatewayModel:   getEnv("ADAPTER_GATEWAY_MODEL", "gpt-4o"),

		ProjectRoot: getEnv("PROJECT_ROOT", ""),
		SandboxCmd:  getEnvStringSlice("SANDBOX_COMMAND", nil),

		Queue: QueueLimits{
			MaxActiveRequests: getEnvInt("QUEUE_MAX_ACTIVE_REQUESTS", 2),
			QueueWaitTimeout:  getEnvDuration("QUEUE_WAIT_TIMEOUT_DURATION", 10*time.Minute),
			QueueMaxLength:    getEnvInt("QUEUE_MAX_LENGTH", 20),
		},

		AdapterIdleTimeout: clampDuration(30*time.Minute, time.Minute),
		SessionIdleTTL:     clampDuration(10*time.Minute, time.Minute),

		AutoUpgrade: getEnvBool("AGENT_MESH_AUTO_UPGRADE", false),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", ""),

		UploadHTTPTimeout:    getEnvDuration("UPLOAD_HTTP_TIMEOUT", 30*time.Second),
		PreflightHTTPTimeout: getEnvDuration("TOKEN_PREFLIGHT_HTTP_TIMEOUT", 10*time.Second),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),

		ConfigFilePath: getEnv("AGENT_MESH_CONFIG_FILE", ""),
		RuntimeRoot:    runtimeRoot,
	}

	// The millisecond-named env vars are the ones named by the spec; they
	// take precedence whenever set, clamped to a 1-minute floor.
	if ms := getEnvInt("AGENT_BRIDGE_CLAUDE_IDLE_TIMEOUT_MS", 0); ms > 0 {
		cfg.AdapterIdleTimeout = clampDuration(time.Duration(ms)*time.Millisecond, time.Minute)
	}
	if ms := getEnvInt("AGENT_BRIDGE_SESSION_IDLE_TTL_MS", 0); ms > 0 {
		cfg.SessionIdleTTL = clampDuration(time.Duration(ms)*time.Millisecond, time.Minute)
	}
	if ms := getEnvInt("QUEUE_WAIT_TIMEOUT_MS", 0); ms > 0 {
		cfg.Queue.QueueWaitTimeout = time.Duration(ms) * time.Millisecond
	}

	if cfg.ConfigFilePath != "" {
		if err := applyFileOverrides(cfg, cfg.ConfigFilePath); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", cfg.ConfigFilePath, err)
		}
	}

	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
	}
	if cfg.PlatformToken == "" {
		return nil, fmt.Errorf("PLATFORM_TOKEN is required")
	}
	if cfg.TransportURL == "" {
		return nil, fmt.Errorf("TRANSPORT_URL is required")
	}
	if cfg.ProjectRoot == "" {
		return nil, fmt.Errorf("PROJECT_ROOT is required")
	}

	return cfg, nil
}

// applyFileOverrides merges a local TOML config file into cfg. Only
// non-zero-value fields present in the file take effect, and secrets are
// never read from the file.
func applyFileOverrides(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var overrides fileOverrides
	if err := toml.Unmarshal(data, &overrides); err != nil {
		return err
	}

	if overrides.TransportURL != "" {
		cfg.TransportURL = overrides.TransportURL
	}
	if overrides.AdapterType != "" {
		cfg.AdapterType = overrides.AdapterType
	}
	if overrides.AdapterCommand != "" {
		cfg.AdapterCommand = overrides.AdapterCommand
	}
	if len(overrides.AdapterArgs) > 0 {
		cfg.AdapterArgs = overrides.AdapterArgs
	}
	if overrides.GatewayURL != "" {
		cfg.GatewayURL = overrides.GatewayURL
	}
	if overrides.ProjectRoot != "" {
		cfg.ProjectRoot = overrides.ProjectRoot
	}
	if overrides.MaxActiveRequests > 0 {
		cfg.Queue.MaxActiveRequests = overrides.MaxActiveRequests
	}
	if overrides.QueueWaitTimeoutMs > 0 {
		cfg.Queue.QueueWaitTimeout = time.Duration(overrides.QueueWaitTimeoutMs) * time.Millisecond
	}
	if overrides.QueueMaxLength > 0 {
		cfg.Queue.QueueMaxLength = overrides.QueueMaxLength
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.LogFormat != "" {
		cfg.LogFormat = overrides.LogFormat
	}
	return nil
}

// clampDuration enforces a minimum, matching the spec's "min 1 min"-style
// environment variable rules.
func clampDuration(d, min time.Duration) time.Duration {
	if d < min {
		return min
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
