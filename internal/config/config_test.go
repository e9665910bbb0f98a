package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SESSION_SECRET", "sess-secret")
	t.Setenv("APP_HOOK_SECRET", "app-secret")
	t.Setenv("USER_HOOK_SECRET", "user-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "reporelay", cfg.AppName)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "/websock", cfg.RelayPath)
	assert.Equal(t, "relay.sid", cfg.SessionCookie)
	assert.Equal(t, "localhost", cfg.RedisHost)
	assert.Equal(t, "6379", cfg.RedisPort)
	assert.Equal(t, "https://api.github.com", cfg.GithubAPIURL)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 10, cfg.RedisPoolSize)
}

func TestLoadMissingSecret(t *testing.T) {
	tests := []struct {
		name string
		skip string
	}{
		{"missing session secret", "SESSION_SECRET"},
		{"missing app hook secret", "APP_HOOK_SECRET"},
		{"missing user hook secret", "USER_HOOK_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.skip, "")

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.skip)
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("RELAY_PATH", "/live")
	t.Setenv("SESSION_TTL", "30m")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/live", cfg.RelayPath)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestLoadInvalidValues(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_DB", "not-a-number")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("REDIS_DB", "0")
	t.Setenv("SESSION_TTL", "soon")

	_, err = Load()
	assert.Error(t, err)
}
