package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Lending  LendingConfig  `mapstructure:"lending"`
	Grading  ServiceConfig  `mapstructure:"grading"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Database DatabaseConfig `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Lock     LockConfig     `mapstructure:"lock"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServiceConfig struct {
	Port int    `mapstructure:"port"`
	URL  string `mapstructure:"url"`
}

type LendingConfig struct {
	ServiceConfig     `mapstructure:",squash"`
	DefaultLoanPeriod time.Duration `mapstructure:"default_loan_period"`
}

type GatewayConfig struct {
	Port               int           `mapstructure:"port"`
	AllowOrigins       []string      `mapstructure:"allow_origins"`
	UpstreamTimeout    time.Duration `mapstructure:"upstream_timeout"`
	BreakerMaxFailures int           `mapstructure:"breaker_max_failures"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
	RetryInterval      time.Duration `mapstructure:"retry_interval"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectRetries  int           `mapstructure:"connect_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		c.Host, c.User, c.Password, c.Name, c.Port, c.SSLMode)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LockConfig selects how per-key write serialisation is done: "local" for a
// single replica, "redis" when several replicas share one database.
type LockConfig struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads defaults, then config.yaml (or path), then .env and ELAB_*
// environment variables, in increasing priority.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("lending.port", 8060)
	v.SetDefault("lending.url", "http://localhost:8060")
	v.SetDefault("lending.default_loan_period", "168h")
	v.SetDefault("grading.port", 8050)
	v.SetDefault("grading.url", "http://localhost:8050")

	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.allow_origins", []string{"http://localhost:5173"})
	v.SetDefault("gateway.upstream_timeout", "10s")
	v.SetDefault("gateway.breaker_max_failures", 5)
	v.SetDefault("gateway.breaker_timeout", "30s")
	v.SetDefault("gateway.retry_interval", "5s")
	v.SetDefault("gateway.max_retries", 10)

	v.SetDefault("db.host", "postgres")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "electrolab")
	v.SetDefault("db.user", "program")
	v.SetDefault("db.password", "test")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_open_conns", 25)
	v.SetDefault("db.max_idle_conns", 10)
	v.SetDefault("db.conn_max_lifetime", "5m")
	v.SetDefault("db.connect_retries", 10)
	v.SetDefault("db.retry_delay", "5s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.ttl", "10s")
	v.SetDefault("lock.retry_interval", "25ms")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ELAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"lending.port": c.Lending.Port,
		"grading.port": c.Grading.Port,
		"gateway.port": c.Gateway.Port,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid config: %s must be within 1-65535", name)
		}
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("invalid config: lock.backend must be local or redis, got %q", c.Lock.Backend)
	}
	if c.Lending.DefaultLoanPeriod < 0 {
		return fmt.Errorf("invalid config: lending.default_loan_period must not be negative")
	}
	return nil
}
