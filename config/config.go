package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the brief service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Assembly  AssemblyConfig  `mapstructure:"assembly"`
	Narration NarrationConfig `mapstructure:"narration"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// GeneralConfig contains application-wide settings.
type GeneralConfig struct {
	Debug            bool          `mapstructure:"debug"`
	LogLevel         string        `mapstructure:"log_level"`
	DefaultDeadline  time.Duration `mapstructure:"default_deadline"`
	OptionalDeadline time.Duration `mapstructure:"optional_deadline"`
	JWTSecret        string        `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// AgentEndpointConfig locates one backend agent.
type AgentEndpointConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// AgentsConfig maps agent identity to network endpoint.
type AgentsConfig struct {
	Endpoints map[string]AgentEndpointConfig `mapstructure:"endpoints"`
}

// Validate ensures the agents a run cannot proceed without are configured.
func (a AgentsConfig) Validate() error {
	for _, name := range []string{"market_data", "analysis", "language"} {
		ep, ok := a.Endpoints[name]
		if !ok || !ep.Enabled {
			return fmt.Errorf("agents.endpoints.%s is required and must be enabled", name)
		}
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("agents.endpoints.%s.url is required", name)
		}
	}
	return nil
}

// RetryConfig contains the agent client retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`
}

// BreakerConfig contains the per-agent circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// AssemblyConfig bounds the evidence context.
type AssemblyConfig struct {
	MaxItems               int     `mapstructure:"max_items"`
	RetrieverWeight        float64 `mapstructure:"retriever_weight"`
	RetrieverMinConfidence float64 `mapstructure:"retriever_min_confidence"`
}

func (a AssemblyConfig) Validate() error {
	if a.MaxItems < 0 {
		return fmt.Errorf("assembly.max_items cannot be negative")
	}
	if a.RetrieverWeight < 0 {
		return fmt.Errorf("assembly.retriever_weight cannot be negative")
	}
	return nil
}

// NarrationConfig tunes the narration pipeline.
type NarrationConfig struct {
	TopItems       int           `mapstructure:"top_items"`
	VoiceMinBudget time.Duration `mapstructure:"voice_min_budget"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PeriodicLogs bool          `mapstructure:"periodic_logs"`
	LogInterval  time.Duration `mapstructure:"log_interval"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds the connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL, nil
	}
	if strings.TrimSpace(p.Host) == "" || strings.TrimSpace(p.DBName) == "" {
		return "", fmt.Errorf("storage.postgres.host/dbname required when url is not provided")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port, or "" when redis is not configured.
func (r RedisConfig) Addr() string {
	if strings.TrimSpace(r.Host) == "" || strings.TrimSpace(r.Port) == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

// SchedulerConfig controls standing scheduled briefs.
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

// Normalize applies defaults for unset scheduler values.
func (s SchedulerConfig) Normalize() SchedulerConfig {
	if s.TickInterval <= 0 {
		s.TickInterval = time.Minute
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 2 * time.Minute
	}
	return s
}

// LoadConfig loads config from file plus MARKETBRIEF_* env overrides.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_deadline", "10s")
	viper.SetDefault("general.optional_deadline", "2s")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.base_backoff", "200ms")
	viper.SetDefault("retry.multiplier", 2.0)
	viper.SetDefault("retry.jitter", 0.2)
	viper.SetDefault("breaker.failure_threshold", 5)
	viper.SetDefault("breaker.window", "30s")
	viper.SetDefault("breaker.cooldown", "15s")
	viper.SetDefault("assembly.max_items", 20)
	viper.SetDefault("assembly.retriever_weight", 1.0)
	viper.SetDefault("assembly.retriever_min_confidence", 0.0)
	viper.SetDefault("narration.top_items", 5)
	viper.SetDefault("narration.voice_min_budget", "500ms")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.log_interval", "5m")
	viper.SetDefault("scheduler.tick_interval", "1m")
	viper.SetDefault("scheduler.lock_ttl", "2m")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("MARKETBRIEF")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	config.Scheduler = config.Scheduler.Normalize()

	if err := config.Agents.Validate(); err != nil {
		return nil, err
	}
	if err := config.Assembly.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
