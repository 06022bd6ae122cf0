package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/gomh/internal/quota"
	"github.com/me/gomh/pkg/model"
)

// ServerConfig holds configuration for the dispatcher server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path (":memory:" for testing)
	AssetDir  string `yaml:"asset_dir"`  // Directory served under /api/v1/assets

	// ProcessorKeysFile is a JSON file mapping processor keys to the core
	// codes they may declare. Empty leaves processor endpoints open.
	ProcessorKeysFile string `yaml:"processor_keys_file"`

	GateTimeout      time.Duration `yaml:"gate_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	TickInterval     time.Duration `yaml:"tick_interval"`

	NATSURL     string `yaml:"nats_url"`     // Empty disables NATS events
	NATSPrefix  string `yaml:"nats_prefix"`  // Subject prefix for events
	TraceOutput string `yaml:"trace_output"` // "", "-" (stdout) or a file path
	ServiceName string `yaml:"service_name"` // Reported in traces
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:             ":8080",
		LogLevel:         "info",
		LogFormat:        "text",
		DBPath:           "gomh.db",
		AssetDir:         "assets",
		GateTimeout:      5 * time.Second,
		MaxRetries:       3,
		HeartbeatTimeout: time.Minute,
		TickInterval:     2 * time.Second,
		NATSPrefix:       "gomh",
		ServiceName:      "gomh-dispatcher",
	}
}

// Validate rejects settings that would leave the dispatcher waiting
// without bound or never ticking.
func (c ServerConfig) Validate() error {
	if c.GateTimeout <= 0 {
		return fmt.Errorf("gate_timeout must be positive, got %v", c.GateTimeout)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive, got %v", c.HeartbeatTimeout)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %v", c.TickInterval)
	}
	return nil
}

// ProcessorConfig holds configuration for a processor process.
type ProcessorConfig struct {
	ServerURL string `yaml:"server_url"`
	Name      string `yaml:"name"`
	Key       string `yaml:"key"` // Sent as X-Processor-Key
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Cores are the slots this processor offers, each with its quotas.
	Cores []model.Core `yaml:"cores"`

	WorkDir      string        `yaml:"work_dir"`       // Per-task working directories
	AssetDir     string        `yaml:"asset_dir"`      // Downloaded assets
	IndexPath    string        `yaml:"index_path"`     // leveldb asset index
	Downloaders  int           `yaml:"downloaders"`    // Download pool size
	PollInterval time.Duration `yaml:"poll_interval"`  // Core idle poll delay
	Heartbeat    time.Duration `yaml:"heartbeat"`      // Keep-alive interval
	KeepWorkDirs bool          `yaml:"keep_work_dirs"` // Leave task directories after reporting

	// Runtime runs function commands: none, docker or apptainer.
	Runtime   string                    `yaml:"runtime"`
	Functions map[string]FunctionConfig `yaml:"functions"`
}

// FunctionConfig maps a function code to the command that implements it.
type FunctionConfig struct {
	Command []string `yaml:"command"`
	Image   string   `yaml:"image"` // Container image; ignored by the bare runtime
	GPU     bool     `yaml:"gpu"`
}

// DefaultProcessorConfig returns sensible defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ServerURL: "http://localhost:8080",
		LogLevel:  "info",
		LogFormat: "text",
		Cores: []model.Core{
			{Code: "core-1", Quotas: model.Quotas{Default: 1, Limit: 1}},
		},
		WorkDir:      "work",
		AssetDir:     "assets",
		IndexPath:    "asset-index",
		Downloaders:  4,
		PollInterval: 2 * time.Second,
		Heartbeat:    15 * time.Second,
		Runtime:      "none",
	}
}

// Validate checks the declared cores. A misconfigured quota is fatal at
// startup.
func (c ProcessorConfig) Validate() error {
	if len(c.Cores) == 0 {
		return fmt.Errorf("processor declares no cores")
	}
	seen := make(map[string]bool, len(c.Cores))
	for _, core := range c.Cores {
		if core.Code == "" {
			return fmt.Errorf("core without code")
		}
		if seen[core.Code] {
			return fmt.Errorf("duplicate core %q", core.Code)
		}
		seen[core.Code] = true
		if err := quota.Validate(core.Quotas); err != nil {
			return fmt.Errorf("core %s: %w", core.Code, err)
		}
	}
	for code, fn := range c.Functions {
		if len(fn.Command) == 0 {
			return fmt.Errorf("function %s has no command", code)
		}
	}
	if c.Downloaders < 1 {
		return fmt.Errorf("downloaders must be at least 1, got %d", c.Downloaders)
	}
	return nil
}

// LoadServer reads an optional YAML file over the defaults, applies
// GOMH_* environment overrides and validates the result. An empty path
// skips the file.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Addr = getEnv("GOMH_ADDR", cfg.Addr)
	cfg.LogLevel = getEnv("GOMH_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("GOMH_LOG_FORMAT", cfg.LogFormat)
	cfg.DBPath = getEnv("GOMH_DB_PATH", cfg.DBPath)
	cfg.AssetDir = getEnv("GOMH_ASSET_DIR", cfg.AssetDir)
	cfg.ProcessorKeysFile = getEnv("GOMH_PROCESSOR_KEYS_FILE", cfg.ProcessorKeysFile)
	cfg.GateTimeout = getEnvDuration("GOMH_GATE_TIMEOUT", cfg.GateTimeout)
	cfg.MaxRetries = getEnvInt("GOMH_MAX_RETRIES", cfg.MaxRetries)
	cfg.HeartbeatTimeout = getEnvDuration("GOMH_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.TickInterval = getEnvDuration("GOMH_TICK_INTERVAL", cfg.TickInterval)
	cfg.NATSURL = getEnv("GOMH_NATS_URL", cfg.NATSURL)
	cfg.NATSPrefix = getEnv("GOMH_NATS_PREFIX", cfg.NATSPrefix)
	cfg.TraceOutput = getEnv("GOMH_TRACE_OUTPUT", cfg.TraceOutput)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadProcessor reads an optional YAML file over the defaults, applies
// GOMH_* environment overrides and validates the result.
func LoadProcessor(path string) (ProcessorConfig, error) {
	cfg := DefaultProcessorConfig()
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.ServerURL = getEnv("GOMH_SERVER_URL", cfg.ServerURL)
	cfg.Name = getEnv("GOMH_PROCESSOR_NAME", cfg.Name)
	cfg.Key = getEnv("GOMH_PROCESSOR_KEY", cfg.Key)
	cfg.LogLevel = getEnv("GOMH_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("GOMH_LOG_FORMAT", cfg.LogFormat)
	cfg.WorkDir = getEnv("GOMH_WORK_DIR", cfg.WorkDir)
	cfg.AssetDir = getEnv("GOMH_ASSET_DIR", cfg.AssetDir)
	cfg.IndexPath = getEnv("GOMH_INDEX_PATH", cfg.IndexPath)
	cfg.Downloaders = getEnvInt("GOMH_DOWNLOADERS", cfg.Downloaders)
	cfg.PollInterval = getEnvDuration("GOMH_POLL_INTERVAL", cfg.PollInterval)
	cfg.Heartbeat = getEnvDuration("GOMH_HEARTBEAT", cfg.Heartbeat)
	cfg.Runtime = getEnv("GOMH_RUNTIME", cfg.Runtime)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
