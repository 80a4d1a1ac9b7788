package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log_level: info
server:
  listen: ":9090"
database:
  driver: sqlite
  sqlite:
    path: /tmp/testplane-test.db
auth:
  principals:
    - name: ci
      token: secret-token
      role: importer
      projects: [proj-1]
ingest:
  default_pattern: "reports/**/*.xml"
  extract_generated_names: true
  synthesize_folders: false
queue:
  claim_ttl: 90s
  lease_ttl: 4m
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "reports/**/*.xml", cfg.Ingest.DefaultPattern)
	assert.True(t, cfg.Ingest.ExtractGeneratedNames)
	require.Len(t, cfg.Auth.Principals, 1)
	assert.Equal(t, []string{"proj-1"}, cfg.Auth.Principals[0].Projects)

	require.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log_level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, DefaultImportPattern, cfg.Ingest.DefaultPattern)
	assert.Equal(t, DefaultParseConcurrency, cfg.Ingest.ParseConcurrency)
	assert.Equal(t, DefaultClaimTTL, cfg.Queue.ClaimTTL)
	assert.Equal(t, DefaultLeaseTTL, cfg.Queue.LeaseTTL)
	assert.Equal(t, DefaultMaxPollSeconds, cfg.Queue.MaxPollSeconds)
	assert.Equal(t, int64(DefaultMaxUploadBytes), cfg.Server.MaxUploadBytes)
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.LogLevel)
				assert.Equal(t, ":9090", cfg.Server.Listen)
			},
		},
		{
			name: "string override",
			envVars: map[string]string{
				"TESTPLANE_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.LogLevel)
			},
		},
		{
			name: "nested override",
			envVars: map[string]string{
				"TESTPLANE_SERVER_LISTEN": ":7070",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":7070", cfg.Server.Listen)
			},
		},
		{
			name: "bool override",
			envVars: map[string]string{
				"TESTPLANE_INGEST_SYNTHESIZE_FOLDERS": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Ingest.SynthesizeFolders)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"TESTPLANE_LOG_LEVEL":       "trace",
				"TESTPLANE_QUEUE_CLAIM_TTL": "30s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "trace", cfg.LogLevel)
				assert.Equal(t, "30s", cfg.Queue.ClaimTTL)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(writeConfig(t, testConfig))
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  lsiten: \":9090\"\n"))
	require.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{
			name:   "unknown driver",
			mutate: func(cfg *Config) { cfg.Database.Driver = "oracle" },
		},
		{
			name:   "bad claim ttl",
			mutate: func(cfg *Config) { cfg.Queue.ClaimTTL = "soon" },
		},
		{
			name: "principal without token",
			mutate: func(cfg *Config) {
				cfg.Auth.Principals = []PrincipalConfig{{Name: "ci"}}
			},
		},
		{
			name: "duplicate principal",
			mutate: func(cfg *Config) {
				cfg.Auth.Principals = []PrincipalConfig{
					{Name: "ci", Token: "a"},
					{Name: "ci", Token: "b"},
				}
			},
		},
		{
			name: "both storage backends enabled",
			mutate: func(cfg *Config) {
				cfg.Storage = &StorageConfig{
					S3:    &S3StorageConfig{Enabled: true, Bucket: "b"},
					Local: &LocalStorageConfig{Enabled: true, Dir: "/tmp"},
				}
			},
		},
		{
			name: "s3 without bucket",
			mutate: func(cfg *Config) {
				cfg.Storage = &StorageConfig{
					S3: &S3StorageConfig{Enabled: true},
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, testConfig))
			require.NoError(t, err)

			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
