package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration (file + env overrides)
type Config struct {
	Server struct {
		Addr      string `mapstructure:"addr"`
		LogLevel  string `mapstructure:"log_level"`
		LogFormat string `mapstructure:"log_format"`
	} `mapstructure:"server"`

	Storage struct {
		Driver   string `mapstructure:"driver"` // postgres | memory
		SeedFile string `mapstructure:"seed_file"`
		Migrate  bool   `mapstructure:"migrate"`
	} `mapstructure:"storage"`

	Postgres struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		DBName       string `mapstructure:"db_name"`
		SSLMode      string `mapstructure:"ssl_mode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
	} `mapstructure:"postgres"`

	Listener struct {
		Channel          string `mapstructure:"channel"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"listener"`

	Dispatch struct {
		BatchSize            int           `mapstructure:"batch_size"`
		Workers              int           `mapstructure:"workers"`
		MaxInFlightSends     int           `mapstructure:"max_in_flight_sends"`
		SendAttempts         int           `mapstructure:"send_attempts"`
		SendTimeout          time.Duration `mapstructure:"send_timeout"`
		RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
		RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
		PersistAttempts      int           `mapstructure:"persist_attempts"`
	} `mapstructure:"dispatch"`

	Redis struct {
		Addr     string        `mapstructure:"addr"` // empty: in-process locks
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		LockTTL  time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"redis"`

	Sender struct {
		URL     string        `mapstructure:"url"`
		Token   string        `mapstructure:"token"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"sender"`

	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"` // empty: auth disabled
		Issuer    string `mapstructure:"issuer"`
	} `mapstructure:"auth"`

	TextGen struct {
		URL     string        `mapstructure:"url"`
		APIKey  string        `mapstructure:"api_key"`
		Model   string        `mapstructure:"model"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"textgen"`
}

// keys bound so APP_* env vars reach Unmarshal even without a config file
var keys = []string{
	"server.addr", "server.log_level", "server.log_format",
	"storage.driver", "storage.seed_file", "storage.migrate",
	"postgres.host", "postgres.port", "postgres.user", "postgres.password", "postgres.db_name",
	"postgres.ssl_mode", "postgres.max_open_conns", "postgres.max_idle_conns",
	"listener.channel", "listener.reconnect_seconds",
	"dispatch.batch_size", "dispatch.workers", "dispatch.max_in_flight_sends", "dispatch.send_attempts",
	"dispatch.send_timeout", "dispatch.retry_initial_interval", "dispatch.retry_max_interval",
	"dispatch.persist_attempts",
	"redis.addr", "redis.password", "redis.db", "redis.lock_ttl",
	"sender.url", "sender.token", "sender.timeout",
	"auth.jwt_secret", "auth.issuer",
	"textgen.url", "textgen.api_key", "textgen.model", "textgen.timeout",
}

func Load() Config {
	cfg, err := LoadFrom(viper.New(), "configs")
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadFrom reads application.yaml from dir (optional) and APP_ env overrides.
func LoadFrom(v *viper.Viper, dir string) (Config, error) {
	v.SetConfigName("application")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	_ = v.ReadInConfig() // optional; env can fully configure

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	validate(&cfg)
	return cfg, nil
}

func validate(c *Config) {
	if c.Server.Addr == "" { c.Server.Addr = ":8080" }
	if c.Server.LogLevel == "" { c.Server.LogLevel = "info" }
	if c.Storage.Driver == "" { c.Storage.Driver = "memory" }
	if c.Postgres.Port == 0 { c.Postgres.Port = 5432 }
	if c.Postgres.SSLMode == "" { c.Postgres.SSLMode = "disable" }
	if c.Postgres.MaxOpenConns == 0 { c.Postgres.MaxOpenConns = 10 }
	if c.Postgres.MaxIdleConns == 0 { c.Postgres.MaxIdleConns = 2 }
	if c.Listener.Channel == "" { c.Listener.Channel = "customer_data_change" }
	if c.Listener.ReconnectSeconds <= 0 { c.Listener.ReconnectSeconds = 5 }
	if c.Dispatch.BatchSize <= 0 { c.Dispatch.BatchSize = 100 }
	if c.Dispatch.Workers <= 0 { c.Dispatch.Workers = 4 }
	if c.Dispatch.MaxInFlightSends <= 0 { c.Dispatch.MaxInFlightSends = 32 }
	if c.Dispatch.SendAttempts <= 0 { c.Dispatch.SendAttempts = 3 }
	if c.Dispatch.SendTimeout <= 0 { c.Dispatch.SendTimeout = 10 * time.Second }
	if c.Dispatch.RetryInitialInterval <= 0 { c.Dispatch.RetryInitialInterval = 200 * time.Millisecond }
	if c.Dispatch.RetryMaxInterval <= 0 { c.Dispatch.RetryMaxInterval = 5 * time.Second }
	if c.Dispatch.PersistAttempts <= 0 { c.Dispatch.PersistAttempts = 5 }
	if c.Redis.LockTTL <= 0 { c.Redis.LockTTL = 30 * time.Second }
	if c.Sender.Timeout <= 0 { c.Sender.Timeout = 10 * time.Second }
	if c.Auth.Issuer == "" { c.Auth.Issuer = "campaign-dispatch" }
	if c.TextGen.Model == "" { c.TextGen.Model = "gpt-4o-mini" }
	if c.TextGen.Timeout <= 0 { c.TextGen.Timeout = 15 * time.Second }
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

func (c Config) Backoff() time.Duration { return time.Duration(c.Listener.ReconnectSeconds) * time.Second }
