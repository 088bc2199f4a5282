// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configs/config.yaml, merges config.<APP_ENVIRONMENT>.yaml on top
// and applies environment overrides (compiler.timeout -> COMPILER_TIMEOUT).
func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // environment file is optional

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key viper should know about; AutomaticEnv only
// overrides keys it has seen.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fleet-compiler")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "Local")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 60)

	v.SetDefault("compiler.confidence_threshold", 0.8)
	v.SetDefault("compiler.auto_approve_high_confidence", true)
	v.SetDefault("compiler.enable_caching", true)
	v.SetDefault("compiler.cache_ttl", 3600)
	v.SetDefault("compiler.cache_size", 1024)
	v.SetDefault("compiler.retry_attempts", 3)
	v.SetDefault("compiler.timeout", 30)

	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.model", "qwen2.5:14b")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.timeout", 0)

	v.SetDefault("fleet_api.base_url", "")
	v.SetDefault("fleet_api.api_key", "")

	v.SetDefault("templates.directory", "./configs/templates")
	v.SetDefault("templates.watch", false)
	v.SetDefault("templates.max_extends_depth", 16)

	v.SetDefault("database.redis.enabled", false)
	v.SetDefault("database.redis.address", "localhost:6379")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.db", 0)

	v.SetDefault("database.postgres.enabled", false)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "fleet_compiler")
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")

	v.SetDefault("notifications.sns.enabled", false)
	v.SetDefault("notifications.sns.region", "us-east-1")
	v.SetDefault("notifications.sns.topic_arn", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// loadEnvFile loads the first .env found walking up from the working directory.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up directories looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// expandEnvVars resolves ${VAR} references inside string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig fills secrets from conventional env names when the
// config file left them blank.
func overrideEmptyConfig(cfg *Config) {
	if cfg.FleetAPI.APIKey == "" {
		if val := os.Getenv("FLEET_API_KEY"); val != "" {
			cfg.FleetAPI.APIKey = val
		}
	}
	if cfg.Database.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Database.Postgres.User = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}
	if cfg.Database.Redis.Password == "" {
		if val := os.Getenv("REDIS_PASSWORD"); val != "" {
			cfg.Database.Redis.Password = val
		}
	}
}

// applyDefaults repairs zero values that a config file may set explicitly.
func applyDefaults(cfg *Config) {
	if cfg.Compiler.CacheTTL <= 0 {
		cfg.Compiler.CacheTTL = 3600
	}
	if cfg.Compiler.CacheSize <= 0 {
		cfg.Compiler.CacheSize = 1024
	}
	if cfg.Compiler.RetryAttempts < 0 {
		cfg.Compiler.RetryAttempts = 0
	}
	if cfg.Compiler.Timeout <= 0 {
		cfg.Compiler.Timeout = 30
	}
	if cfg.LLM.Timeout <= 0 {
		cfg.LLM.Timeout = cfg.Compiler.Timeout
	}
	if cfg.Templates.MaxExtendsDepth <= 0 {
		cfg.Templates.MaxExtendsDepth = 16
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 10
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 2
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if _, err := cfg.App.Location(); err != nil {
		return err
	}
	if cfg.Compiler.ConfidenceThreshold < 0 || cfg.Compiler.ConfidenceThreshold > 1 {
		return fmt.Errorf("compiler.confidence_threshold must be within [0,1], got %v", cfg.Compiler.ConfidenceThreshold)
	}
	if cfg.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if cfg.FleetAPI.BaseURL == "" {
		return fmt.Errorf("fleet_api.base_url is required")
	}
	if cfg.Templates.Directory == "" {
		return fmt.Errorf("templates.directory is required")
	}
	if cfg.Database.Redis.Enabled && cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required when redis is enabled")
	}
	if cfg.Database.Postgres.Enabled && cfg.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required when postgres is enabled")
	}
	if cfg.Notifications.SNS.Enabled && cfg.Notifications.SNS.TopicARN == "" {
		return fmt.Errorf("notifications.sns.topic_arn is required when sns is enabled")
	}
	return nil
}

// GetDuration converts seconds from config to time.Duration
func GetDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
