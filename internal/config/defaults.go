package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the delcom configuration directory
// Uses ~/.config/delcom/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "delcom"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "broker.yaml"), nil
}

const (
	// Environment variable names
	EnvPort              = "PORT"
	EnvBrokerHost        = "BROKER_HOST"
	EnvOutboundBuffer    = "OUTBOUND_BUFFER"
	EnvHTTPEnabled       = "HTTP_ENABLED"
	EnvHTTPPort          = "HTTP_PORT"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogFormat         = "LOG_FORMAT"
	EnvLogOutput         = "LOG_OUTPUT"
	EnvNodeIDBytes       = "NODE_ID_BYTES"
	EnvSetupTimeout      = "JOB_SETUP_TIMEOUT"
	EnvResumeWindow      = "RESUME_WINDOW"
	EnvDebugDumpInterval = "DEBUG_DUMP_INTERVAL"
)

const (
	// Default broker listener settings
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 3000
	DefaultMaxMsgSize      = 16 * 1024 * 1024
	DefaultOutboundBuffer  = 256
	DefaultShutdownTimeout = 10 * time.Second

	// Default HTTP settings
	DefaultHTTPPort = 8080

	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// Default broker settings
	DefaultIDBytes           = 2
	DefaultSetupTimeout      = 30 * time.Second
	DefaultDebugDumpInterval = 5 * time.Second
)

// DefaultServerConfig returns the default broker listener configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:             DefaultHost,
		Port:             DefaultPort,
		MaxRecvMsgSize:   DefaultMaxMsgSize,
		MaxSendMsgSize:   DefaultMaxMsgSize,
		KeepaliveTime:    60 * time.Second,
		KeepaliveTimeout: 20 * time.Second,
		ShutdownTimeout:  DefaultShutdownTimeout,
		OutboundBuffer:   DefaultOutboundBuffer,
	}
}

// DefaultHTTPConfig returns the default HTTP configuration
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Enabled:      true,
		Host:         DefaultHost,
		Port:         DefaultHTTPPort,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stdout",
	}
}

// DefaultBrokerConfig returns the default registry and pairing configuration
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		IDBytes:           DefaultIDBytes,
		SetupTimeout:      DefaultSetupTimeout,
		ResumeWindow:      0,
		DebugDumpInterval: DefaultDebugDumpInterval,
	}
}
