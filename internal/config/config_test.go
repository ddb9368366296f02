package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SESSION_SECRET", testSecret)
	t.Setenv("DATABASE_HOST", "localhost")
	t.Setenv("DATABASE_DBNAME", "linkbio")
	t.Setenv("DATABASE_USER", "postgres")
}

func TestLoad_DefaultsFromEnvOnly(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, BanCheckFresh, cfg.Session.BanCheckMode)
	assert.Equal(t, 10*time.Minute, cfg.Linking.TokenTTL())
	assert.Equal(t, 2*time.Second, cfg.Linking.Quiescence())
	assert.Equal(t, 30*time.Second, cfg.Session.StateCacheTTL())
	assert.Equal(t, "/banned", cfg.Gatekeeper.BannedPath)
	assert.Contains(t, cfg.Gatekeeper.ProtectedPrefixes, "/api/process-link")
	assert.Equal(t, "session_invalidation", cfg.WebSocket.Cluster.InvalidationChannel)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LINKING_QUIESCENCE_MS", "500")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte(`
server:
  port: "9090"
linking:
  token_ttl_minutes: 5
  quiescence_ms: 3000
oauth:
  github:
    client_id: gh-id
    client_secret: gh-secret
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Linking.TokenTTL())
	assert.Equal(t, 500*time.Millisecond, cfg.Linking.Quiescence(), "env должен перекрывать файл")
	assert.Equal(t, "gh-id", cfg.OAuth.GitHub.ClientID)
}

func TestLoad_MissingFileIsNotFatal(t *testing.T) {
	setRequiredEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{Host: "h", DBName: "d", User: "u"},
			Session:  SessionConfig{Secret: testSecret, BanCheckMode: BanCheckFresh},
			Linking:  LinkingConfig{TokenTTLMinutes: 10, QuiescenceMs: 2000},
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"short secret", func(c *Config) { c.Session.Secret = "short" }},
		{"missing db host", func(c *Config) { c.Database.Host = "" }},
		{"bad ban mode", func(c *Config) { c.Session.BanCheckMode = "never" }},
		{"zero ttl", func(c *Config) { c.Linking.TokenTTLMinutes = 0 }},
		{"ttl too long", func(c *Config) { c.Linking.TokenTTLMinutes = 120 }},
		{"negative quiescence", func(c *Config) { c.Linking.QuiescenceMs = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
