package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"marketplace-sync/internal/domain"
)

type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Push     PushConfig     `mapstructure:"push"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Session  SessionConfig  `mapstructure:"session"`
	Bidding  BiddingConfig  `mapstructure:"bidding"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Instance InstanceConfig `mapstructure:"instance"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PushConfig struct {
	PublicURL            string        `mapstructure:"public_url"`
	AuthenticatedURL     string        `mapstructure:"authenticated_url"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

type AuthConfig struct {
	Token string `mapstructure:"token"`
}

type SessionConfig struct {
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	ExpiringWindow time.Duration `mapstructure:"expiring_window"`
	RedirectTarget string        `mapstructure:"redirect_target"`
}

type BiddingConfig struct {
	Bands []domain.IncrementBand `mapstructure:"bands"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	MirrorTTL time.Duration `mapstructure:"mirror_ttl"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

type MySQLConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Host           string   `mapstructure:"host"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

type InstanceConfig struct {
	ID string `mapstructure:"id"`
}

// IncrementBands returns the configured bands or the built-in ones.
func (c *Config) IncrementBands() []domain.IncrementBand {
	if len(c.Bidding.Bands) == 0 {
		return domain.DefaultIncrementBands()
	}
	return c.Bidding.Bands
}

func newViper() *viper.Viper {
	v := viper.New()

	// Set default values
	v.SetDefault("api.base_url", "http://localhost:8080/api/v1")
	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("push.public_url", "ws://localhost:8081/ws/public")
	v.SetDefault("push.authenticated_url", "ws://localhost:8081/ws/private")
	v.SetDefault("push.handshake_timeout", 10*time.Second)
	v.SetDefault("push.reconnect_base_delay", time.Second)
	v.SetDefault("push.reconnect_max_delay", 30*time.Second)
	v.SetDefault("push.max_reconnect_attempts", 10)
	v.SetDefault("auth.token", "")
	v.SetDefault("session.check_interval", time.Minute)
	v.SetDefault("session.expiring_window", 5*time.Minute)
	v.SetDefault("session.redirect_target", domain.SessionExpiredTarget)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.mirror_ttl", time.Hour)
	v.SetDefault("redis.lock_ttl", 30*time.Second)
	v.SetDefault("mysql.enabled", false)
	v.SetDefault("mysql.dsn", "sync_user:sync_pass@tcp(localhost:3306)/sync_db?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 5)
	v.SetDefault("mysql.max_idle_conns", 2)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("instance.id", "sync-agent-1")

	// Environment variable mappings
	v.AutomaticEnv()
	v.BindEnv("api.base_url", "API_BASE_URL")
	v.BindEnv("api.timeout", "API_TIMEOUT")
	v.BindEnv("push.public_url", "PUSH_PUBLIC_URL")
	v.BindEnv("push.authenticated_url", "PUSH_AUTHENTICATED_URL")
	v.BindEnv("push.max_reconnect_attempts", "PUSH_MAX_RECONNECT_ATTEMPTS")
	v.BindEnv("auth.token", "AUTH_TOKEN")
	v.BindEnv("session.check_interval", "SESSION_CHECK_INTERVAL")
	v.BindEnv("session.expiring_window", "SESSION_EXPIRING_WINDOW")
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("mysql.enabled", "MYSQL_ENABLED")
	v.BindEnv("mysql.dsn", "MYSQL_DSN")
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.host", "SERVER_HOST")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.encoding", "LOG_ENCODING")
	v.BindEnv("instance.id", "INSTANCE_ID")

	return v
}

// Load reads config.yaml from the usual places if present, then applies
// environment overrides.
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/marketplace-sync/")

	// Read configuration file (optional - will use defaults/env vars if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, API: %s, Push: %s | %s, Redis: %t %s, MySQL: %t, Instance: %s",
		c.Server.Host,
		c.Server.Port,
		c.API.BaseURL,
		c.Push.PublicURL,
		c.Push.AuthenticatedURL,
		c.Redis.Enabled,
		c.Redis.Address,
		c.MySQL.Enabled,
		c.Instance.ID,
	)
}
