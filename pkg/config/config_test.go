package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPartialLoadConfigFromFile(t *testing.T) {
	os.Unsetenv("NPS_REDIS_URL")
	cfg, err := LoadConfigFromFile("../../testdata/partial-config.toml")

	if err != nil {
		// If there are config issues fail fast
		assert.FailNowf(t, "Failed to load config file", "Load returned an error %s", err)
	}

	// Check values
	tests := []struct {
		expected any
		actual   any
	}{
		{
			expected: "tarballs",
			actual:   cfg.Queue.WorkQueue,
		},
		{
			expected: "nps_results",
			actual:   cfg.Queue.ResultQueue,
		},
		{
			expected: 5,
			actual:   cfg.Queue.MaxRetries,
		},
		{
			expected: 300 * time.Second,
			actual:   cfg.Queue.LeaseTimeoutDuration(),
		},
		{
			expected: "redis://localhost:6379/0",
			actual:   cfg.Queue.RedisURL,
		},
		{
			expected: "/tmp/nps/staging",
			actual:   cfg.Staging.Path,
		},
		{
			expected: []string{"grep", "gitleaks"},
			actual:   cfg.Plugins.Enabled,
		},
		{
			expected: 2048,
			actual:   cfg.Plugins.Grep.MaxLineLength,
		},
		{
			expected: 128,
			actual:   cfg.Plugins.Grep.MaxExcerptLength,
		},
		{
			expected: []string{"node_modules"},
			actual:   cfg.Plugins.Grep.ExcludePathSegments,
		},
		{
			expected: 4,
			actual:   cfg.Supervisor.ScannerProcesses,
		},
		{
			expected: 1,
			actual:   cfg.Supervisor.ReporterProcesses,
		},
		{
			expected: true,
			actual:   cfg.Supervisor.EnableUI,
		},
		{
			expected: 30 * time.Minute,
			actual:   cfg.Supervisor.ReapIntervalDuration(),
		},
		{
			expected: "INFO",
			actual:   cfg.Logger.Level,
		},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, test.actual)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	_, err := LoadConfigFromFile("../../testdata/invalid-config.toml")
	assert.ErrorContains(t, err, "must differ")
}

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLocateAndLoadConfig(t *testing.T) {
	// Set the env var here to prove the provided path overrides it
	localConfigDir = "../../testdata/locator-test/nps"
	os.Setenv("NPS_CONFIG", "../../testdata/locator-test/nps/config.2.toml")
	defer os.Unsetenv("NPS_CONFIG")

	// Confirm load from file works
	cfg, err := LocateAndLoadConfig("../../testdata/locator-test/nps/config.1.toml")
	assert.Nil(t, err)
	assert.Equal(t, "test-1", cfg.Queue.WorkQueue)

	// Confirm load from the NPS_CONFIG env var works
	cfg, err = LocateAndLoadConfig("")
	assert.Nil(t, err)
	assert.Equal(t, "test-2", cfg.Queue.WorkQueue)

	// Confirm load from the local config dir works
	os.Unsetenv("NPS_CONFIG")
	cfg, err = LocateAndLoadConfig("")
	assert.Nil(t, err)
	assert.Equal(t, "test-3", cfg.Queue.WorkQueue)
}
