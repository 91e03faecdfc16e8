package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/delcom/broker/pkg/types"
)

// Config represents the complete configuration for the broker
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	HTTP    HTTPConfig    `json:"http" yaml:"http"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Broker  BrokerConfig  `json:"broker" yaml:"broker"`
}

// ServerConfig contains the gRPC listener configuration nodes connect to
type ServerConfig struct {
	Host             string        `json:"host" yaml:"host"`
	Port             int           `json:"port" yaml:"port"`
	MaxRecvMsgSize   int           `json:"max_recv_msg_size" yaml:"max_recv_msg_size"` // bytes
	MaxSendMsgSize   int           `json:"max_send_msg_size" yaml:"max_send_msg_size"` // bytes
	KeepaliveTime    time.Duration `json:"keepalive_time" yaml:"keepalive_time"`
	KeepaliveTimeout time.Duration `json:"keepalive_timeout" yaml:"keepalive_timeout"`
	ShutdownTimeout  time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	OutboundBuffer   int           `json:"outbound_buffer" yaml:"outbound_buffer"` // frames queued per node
}

// HTTPConfig contains the health and diagnostics HTTP endpoint configuration
type HTTPConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// BrokerConfig contains node registry and pairing configuration
type BrokerConfig struct {
	IDBytes           int           `json:"id_bytes" yaml:"id_bytes"`
	SetupTimeout      time.Duration `json:"setup_timeout" yaml:"setup_timeout"`
	ResumeWindow      time.Duration `json:"resume_window" yaml:"resume_window"` // 0 = unbounded
	DebugDumpInterval time.Duration `json:"debug_dump_interval" yaml:"debug_dump_interval"` // 0 = disabled
}

// Default returns a configuration populated with defaults
func Default() *Config {
	return &Config{
		Server:  DefaultServerConfig(),
		HTTP:    DefaultHTTPConfig(),
		Logging: DefaultLoggingConfig(),
		Broker:  DefaultBrokerConfig(),
	}
}

// applyDefaults fills zero-valued fields left unset by a config file
func applyDefaults(cfg *Config) {
	ds := DefaultServerConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = ds.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = ds.Port
	}
	if cfg.Server.MaxRecvMsgSize == 0 {
		cfg.Server.MaxRecvMsgSize = ds.MaxRecvMsgSize
	}
	if cfg.Server.MaxSendMsgSize == 0 {
		cfg.Server.MaxSendMsgSize = ds.MaxSendMsgSize
	}
	if cfg.Server.KeepaliveTime == 0 {
		cfg.Server.KeepaliveTime = ds.KeepaliveTime
	}
	if cfg.Server.KeepaliveTimeout == 0 {
		cfg.Server.KeepaliveTimeout = ds.KeepaliveTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = ds.ShutdownTimeout
	}
	if cfg.Server.OutboundBuffer == 0 {
		cfg.Server.OutboundBuffer = ds.OutboundBuffer
	}

	dh := DefaultHTTPConfig()
	// An http block that only sets enabled: false should stay disabled, so Enabled is
	// defaulted only when the whole block is absent.
	if cfg.HTTP == (HTTPConfig{}) {
		cfg.HTTP = dh
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = dh.Host
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = dh.Port
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = dh.ReadTimeout
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = dh.WriteTimeout
	}

	dl := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = dl.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = dl.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = dl.Output
	}

	db := DefaultBrokerConfig()
	if cfg.Broker == (BrokerConfig{}) {
		cfg.Broker = db
	}
	if cfg.Broker.IDBytes == 0 {
		cfg.Broker.IDBytes = db.IDBytes
	}
	if cfg.Broker.SetupTimeout == 0 {
		cfg.Broker.SetupTimeout = db.SetupTimeout
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvBrokerHost); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvPort, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv(EnvOutboundBuffer); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Server.OutboundBuffer = size
		}
	}

	if v := os.Getenv(EnvHTTPEnabled); v != "" {
		cfg.HTTP.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvHTTPPort, err)
		}
		cfg.HTTP.Port = port
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvNodeIDBytes); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.IDBytes = n
		}
	}
	if v := os.Getenv(EnvSetupTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvSetupTimeout, err)
		}
		cfg.Broker.SetupTimeout = d
	}
	if v := os.Getenv(EnvResumeWindow); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Broker.ResumeWindow = d
		}
	}
	if v := os.Getenv(EnvDebugDumpInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Broker.DebugDumpInterval = d
		}
	}

	return nil
}

// Load creates a new Config from defaults, the default config file if present, and
// environment variables, in that order
func Load() (*Config, error) {
	var cfg *Config

	configPath, err := GetDefaultConfigPath()
	if err == nil {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err = LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("server port out of range: %d", c.Server.Port))
	}
	if c.Server.OutboundBuffer <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "outbound buffer must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "shutdown timeout must be positive")
	}
	if c.HTTP.Enabled {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("http port out of range: %d", c.HTTP.Port))
		}
		if c.HTTP.Port == c.Server.Port && c.HTTP.Host == c.Server.Host {
			return types.NewError(types.ErrCodeInvalidArgument, "http and broker listeners cannot share an address")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid log format: %s", c.Logging.Format))
	}

	if c.Broker.IDBytes < 1 || c.Broker.IDBytes > 16 {
		return types.NewError(types.ErrCodeInvalidArgument, "node id width must be between 1 and 16 bytes")
	}
	if c.Broker.SetupTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "job setup timeout must be positive")
	}
	if c.Broker.ResumeWindow < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "resume window cannot be negative")
	}
	if c.Broker.DebugDumpInterval < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "debug dump interval cannot be negative")
	}

	return nil
}

// ListenAddress returns the host:port nodes connect to
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// HTTPAddress returns the host:port of the health endpoint
func (c *Config) HTTPAddress() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Server: %s, HTTP: %s, Logging: %s, Broker: %s}",
		c.Server, c.HTTP, c.Logging, c.Broker)
}

// OverrideOptions contains command line overrides applied after loading
type OverrideOptions struct {
	Host      string
	Port      int
	HTTPPort  int
	LogLevel  string
	LogFormat string
	LogOutput string
}

// ApplyOverrides applies non-zero override options to the configuration
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.Host != "" {
		c.Server.Host = opts.Host
	}
	if opts.Port > 0 {
		c.Server.Port = opts.Port
	}
	if opts.HTTPPort > 0 {
		c.HTTP.Port = opts.HTTPPort
	}
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
}

func (c ServerConfig) String() string {
	return fmt.Sprintf("ServerConfig{Host: %s, Port: %d, OutboundBuffer: %d, ShutdownTimeout: %s}",
		c.Host, c.Port, c.OutboundBuffer, c.ShutdownTimeout)
}

func (c HTTPConfig) String() string {
	return fmt.Sprintf("HTTPConfig{Enabled: %v, Host: %s, Port: %d}", c.Enabled, c.Host, c.Port)
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c BrokerConfig) String() string {
	return fmt.Sprintf("BrokerConfig{IDBytes: %d, SetupTimeout: %s, ResumeWindow: %s, DebugDumpInterval: %s}",
		c.IDBytes, c.SetupTimeout, c.ResumeWindow, c.DebugDumpInterval)
}
