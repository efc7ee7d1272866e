// Package config provides configuration management for the VirtForge control plane.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/virtforge/virtforge/internal/cluster"
	"github.com/virtforge/virtforge/internal/health"
	"github.com/virtforge/virtforge/internal/migration"
	"github.com/virtforge/virtforge/internal/scheduler"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Database  DatabaseConfig        `mapstructure:"database"`
	Etcd      EtcdConfig            `mapstructure:"etcd"`
	Redis     RedisConfig           `mapstructure:"redis"`
	Auth      AuthConfig            `mapstructure:"auth"`
	Scheduler scheduler.Config      `mapstructure:"scheduler"`
	Health    health.Config         `mapstructure:"health"`
	Migration migration.Config      `mapstructure:"migration"`
	Cluster   cluster.Config        `mapstructure:"cluster"`
	Advisor   cluster.AdvisorConfig `mapstructure:"advisor"`
	Logging   LoggingConfig         `mapstructure:"logging"`
	CORS      CORSConfig            `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL configuration. With Enabled false the
// control plane runs on in-memory repositories.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VIRTFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "virtforge")
	v.SetDefault("database.user", "virtforge")
	v.SetDefault("database.password", "virtforge")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// etcd
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Auth
	v.SetDefault("auth.jwt_secret", "change-me-in-production")
	v.SetDefault("auth.token_expiry", "24h")

	// Scheduler
	sched := scheduler.DefaultConfig()
	v.SetDefault("scheduler.max_reserve_retries", sched.MaxReserveRetries)
	v.SetDefault("scheduler.preferred_node_bonus", sched.PreferredNodeBonus)
	v.SetDefault("scheduler.default_strategy", sched.DefaultStrategy)

	// Health monitor
	hm := health.DefaultConfig()
	v.SetDefault("health.enabled", hm.Enabled)
	v.SetDefault("health.interval", hm.Interval.String())
	v.SetDefault("health.probe_timeout", hm.ProbeTimeout.String())
	v.SetDefault("health.failure_threshold", hm.FailureThreshold)

	// Migration orchestrator
	mig := migration.DefaultConfig()
	v.SetDefault("migration.max_concurrent", mig.MaxConcurrent)
	v.SetDefault("migration.stage_timeout", mig.StageTimeout.String())
	v.SetDefault("migration.transfer_timeout", mig.TransferTimeout.String())
	v.SetDefault("migration.reserve_retries", mig.ReserveRetries)
	v.SetDefault("migration.poll_interval", mig.PollInterval.String())
	v.SetDefault("migration.bandwidth_mbps", mig.BandwidthMbps)
	v.SetDefault("migration.compressed", mig.Compressed)

	// Cluster operations
	cl := cluster.DefaultConfig()
	v.SetDefault("cluster.min_improvement", cl.MinImprovement)
	v.SetDefault("cluster.max_moves", cl.MaxMoves)
	v.SetDefault("cluster.migration_mode", cl.MigrationMode)

	// Rebalance advisor
	adv := cluster.DefaultAdvisorConfig()
	v.SetDefault("advisor.enabled", adv.Enabled)
	v.SetDefault("advisor.interval", adv.Interval.String())
	v.SetDefault("advisor.auto_apply", adv.AutoApply)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
}
