package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFromFile_DefaultsAndExpansion(t *testing.T) {
	t.Setenv("TEST_LLM_URL", "http://llm.internal:11434")
	path := writeConfig(t, `
llm:
  base_url: ${TEST_LLM_URL}
fleet_api:
  base_url: https://fleet.example.com/api
compiler:
  timeout: 0
templates:
  max_extends_depth: 0
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "http://llm.internal:11434", cfg.LLM.BaseURL)
	assert.Equal(t, 0.8, cfg.Compiler.ConfidenceThreshold)
	assert.True(t, cfg.Compiler.AutoApproveHighConfidence)
	assert.True(t, cfg.Compiler.EnableCaching)
	assert.Equal(t, 30*time.Second, cfg.Compiler.CallTimeout())
	assert.Equal(t, time.Hour, cfg.Compiler.CacheTTLDuration())
	assert.Equal(t, 3, cfg.Compiler.RetryAttempts)
	assert.Equal(t, 30, cfg.LLM.Timeout, "llm timeout falls back to the compiler timeout")
	assert.Equal(t, 16, cfg.Templates.MaxExtendsDepth)
	assert.Equal(t, "disable", cfg.Database.Postgres.SSLMode)
}

func TestLoadFromFile_EnvironmentOverrides(t *testing.T) {
	t.Setenv("COMPILER_CONFIDENCE_THRESHOLD", "0.95")
	t.Setenv("FLEET_API_KEY", "from-env")
	path := writeConfig(t, `
llm:
  base_url: http://localhost:11434
fleet_api:
  base_url: https://fleet.example.com/api
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.95, cfg.Compiler.ConfidenceThreshold)
	assert.Equal(t, "from-env", cfg.FleetAPI.APIKey)
}

func TestAppConfig_Location(t *testing.T) {
	tests := []struct {
		name     string
		timezone string
		want     *time.Location
	}{
		{name: "empty is local", timezone: "", want: time.Local},
		{name: "explicit local", timezone: "Local", want: time.Local},
		{name: "utc", timezone: "UTC", want: time.UTC},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := AppConfig{Timezone: tt.timezone}.Location()
			require.NoError(t, err)
			assert.Equal(t, tt.want, loc)
		})
	}

	t.Run("iana name", func(t *testing.T) {
		loc, err := AppConfig{Timezone: "Europe/Berlin"}.Location()
		require.NoError(t, err)
		assert.Equal(t, "Europe/Berlin", loc.String())
	})
}

func TestLoadFromFile_Timezone(t *testing.T) {
	path := writeConfig(t, `
app:
  timezone: Europe/Berlin
fleet_api:
  base_url: https://fleet.example.com/api
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	loc, err := cfg.App.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoadFromFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "threshold out of range",
			body: `
compiler:
  confidence_threshold: 1.5
fleet_api:
  base_url: https://fleet.example.com/api
`,
			wantErr: "confidence_threshold",
		},
		{
			name:    "fleet api missing",
			body:    "llm:\n  base_url: http://localhost:11434\n",
			wantErr: "fleet_api.base_url",
		},
		{
			name: "sns without topic",
			body: `
fleet_api:
  base_url: https://fleet.example.com/api
notifications:
  sns:
    enabled: true
`,
			wantErr: "topic_arn",
		},
		{
			name: "unknown timezone",
			body: `
app:
  timezone: Mars/Olympus_Mons
fleet_api:
  base_url: https://fleet.example.com/api
`,
			wantErr: "app.timezone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, User: "fleet", Password: "pw", Database: "audit", SSLMode: "require"}
	assert.Equal(t, "host=db port=5432 user=fleet password=pw dbname=audit sslmode=require", p.GetDSN())
}
