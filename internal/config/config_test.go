package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delcom/broker/pkg/types"
)

// isolate points the default config path at a file that does not exist
func isolate(t *testing.T) {
	t.Helper()
	SetTestConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))
	t.Cleanup(func() { SetTestConfigPath("") })
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultIDBytes, cfg.Broker.IDBytes)
	assert.Equal(t, DefaultSetupTimeout, cfg.Broker.SetupTimeout)
	assert.Equal(t, time.Duration(0), cfg.Broker.ResumeWindow)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, "0.0.0.0:3000", cfg.ListenAddress())
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddress())
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv(EnvPort, "4100")
	t.Setenv(EnvHTTPPort, "4101")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvSetupTimeout, "3s")
	t.Setenv(EnvResumeWindow, "1m")
	t.Setenv(EnvDebugDumpInterval, "0s")
	t.Setenv(EnvNodeIDBytes, "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, 4101, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3*time.Second, cfg.Broker.SetupTimeout)
	assert.Equal(t, time.Minute, cfg.Broker.ResumeWindow)
	assert.Equal(t, time.Duration(0), cfg.Broker.DebugDumpInterval)
	assert.Equal(t, 4, cfg.Broker.IDBytes)
}

func TestLoadRejectsBadPort(t *testing.T) {
	isolate(t)
	t.Setenv(EnvPort, "not-a-port")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"no outbound buffer", func(c *Config) { c.Server.OutboundBuffer = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"id width zero", func(c *Config) { c.Broker.IDBytes = 0 }},
		{"id width too large", func(c *Config) { c.Broker.IDBytes = 32 }},
		{"no setup timeout", func(c *Config) { c.Broker.SetupTimeout = 0 }},
		{"negative resume window", func(c *Config) { c.Broker.ResumeWindow = -time.Second }},
		{"shared listener", func(c *Config) { c.HTTP.Port = c.Server.Port }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(OverrideOptions{
		Host:     "127.0.0.1",
		Port:     5000,
		LogLevel: "warn",
	})

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, DefaultLogFormat, cfg.Logging.Format)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTP.Port)
}
