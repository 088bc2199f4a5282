// internal/common/config/config.go
package config

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Server        ServerConfig       `mapstructure:"server"`
	Compiler      CompilerConfig     `mapstructure:"compiler"`
	LLM           LLMConfig          `mapstructure:"llm"`
	FleetAPI      FleetAPIConfig     `mapstructure:"fleet_api"`
	Templates     TemplatesConfig    `mapstructure:"templates"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Timezone    string `mapstructure:"timezone"` // IANA name or "Local"
}

// Location resolves Timezone. Dates without a zone and business-hour rules
// are read in it.
func (a AppConfig) Location() (*time.Location, error) {
	if a.Timezone == "" || a.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app.timezone %q: %w", a.Timezone, err)
	}
	return loc, nil
}

type ServerConfig struct {
	Address      string `mapstructure:"address"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds
}

// CompilerConfig holds the pipeline options recognized by the orchestrator.
type CompilerConfig struct {
	ConfidenceThreshold       float64 `mapstructure:"confidence_threshold"`
	AutoApproveHighConfidence bool    `mapstructure:"auto_approve_high_confidence"`
	EnableCaching             bool    `mapstructure:"enable_caching"`
	CacheTTL                  int     `mapstructure:"cache_ttl"` // seconds
	CacheSize                 int     `mapstructure:"cache_size"`
	RetryAttempts             int     `mapstructure:"retry_attempts"`
	Timeout                   int     `mapstructure:"timeout"` // seconds, per external call
}

// CallTimeout is the per external call timeout.
func (c CompilerConfig) CallTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c CompilerConfig) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

type LLMConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	Timeout     int     `mapstructure:"timeout"` // seconds; falls back to compiler.timeout
}

type FleetAPIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type TemplatesConfig struct {
	Directory       string `mapstructure:"directory"`
	Watch           bool   `mapstructure:"watch"`
	MaxExtendsDepth int    `mapstructure:"max_extends_depth"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NotificationConfig holds settings for the pending-approval notifier.
type NotificationConfig struct {
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		Region   string `mapstructure:"region"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
