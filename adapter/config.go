package storefront

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the client configuration. It is read from an optional YAML file,
// then STOREFRONT_* environment variables override individual fields.
type Config struct {
	// APIBaseURL is the REST root, e.g. https://shop.example.com/api
	APIBaseURL string `yaml:"api_base_url"`
	// WebSocketOrigin is scheme://host of the realtime server. Defaults to the origin of APIBaseURL.
	WebSocketOrigin string        `yaml:"websocket_origin"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	LogLevel        string        `yaml:"log_level"`

	Channel ChannelConfig `yaml:"channel"`
	Storage StorageConfig `yaml:"storage"`
}

// ChannelConfig tunes the reconnecting channel
type ChannelConfig struct {
	BaseReconnectDelay time.Duration `yaml:"base_reconnect_delay"`
	MaxReconnectDelay  time.Duration `yaml:"max_reconnect_delay"`
	MaxReconnects      int           `yaml:"max_reconnects"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"` // 0 disables
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Backend       string `yaml:"backend"` // memory, file, redis
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// DefaultConfig returns the defaults applied under file and env values
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 15 * time.Second,
		LogLevel:       "info",
		Channel: ChannelConfig{
			BaseReconnectDelay: time.Second,
			MaxReconnectDelay:  time.Minute,
			MaxReconnects:      5,
			HeartbeatInterval:  30 * time.Second,
			HandshakeTimeout:   10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
	}
}

// LoadConfig reads path (if non-empty), applies env overrides and validates
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setDuration := func(name string, dst *time.Duration) error {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = d
		}
		return nil
	}
	setInt := func(name string, dst *int) error {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
		return nil
	}

	setString("STOREFRONT_API_BASE_URL", &c.APIBaseURL)
	setString("STOREFRONT_WEBSOCKET_ORIGIN", &c.WebSocketOrigin)
	setString("STOREFRONT_LOG_LEVEL", &c.LogLevel)
	setString("STOREFRONT_STORAGE_BACKEND", &c.Storage.Backend)
	setString("STOREFRONT_STORAGE_PATH", &c.Storage.Path)
	setString("STOREFRONT_REDIS_ADDR", &c.Storage.RedisAddr)
	setString("STOREFRONT_REDIS_PASSWORD", &c.Storage.RedisPassword)
	setString("STOREFRONT_STORAGE_KEY_PREFIX", &c.Storage.KeyPrefix)

	return errors.Join(
		setDuration("STOREFRONT_REQUEST_TIMEOUT", &c.RequestTimeout),
		setDuration("STOREFRONT_RECONNECT_BASE_DELAY", &c.Channel.BaseReconnectDelay),
		setDuration("STOREFRONT_RECONNECT_MAX_DELAY", &c.Channel.MaxReconnectDelay),
		setInt("STOREFRONT_RECONNECT_MAX_ATTEMPTS", &c.Channel.MaxReconnects),
		setDuration("STOREFRONT_HEARTBEAT_INTERVAL", &c.Channel.HeartbeatInterval),
		setDuration("STOREFRONT_READ_TIMEOUT", &c.Channel.ReadTimeout),
		setInt("STOREFRONT_REDIS_DB", &c.Storage.RedisDB),
	)
}

// Validate checks required fields and derives WebSocketOrigin when unset
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("missing api_base_url (STOREFRONT_API_BASE_URL)")
	}
	api, err := url.Parse(c.APIBaseURL)
	if err != nil || api.Scheme == "" || api.Host == "" {
		return fmt.Errorf("invalid api_base_url: %q", c.APIBaseURL)
	}
	if c.WebSocketOrigin == "" {
		c.WebSocketOrigin = api.Scheme + "://" + api.Host
	}

	if c.Channel.BaseReconnectDelay <= 0 {
		return fmt.Errorf("channel.base_reconnect_delay must be positive")
	}
	if c.Channel.MaxReconnects < 0 {
		return fmt.Errorf("channel.max_reconnects must not be negative")
	}
	if c.Channel.HeartbeatInterval <= 0 {
		return fmt.Errorf("channel.heartbeat_interval must be positive")
	}

	switch c.Storage.Backend {
	case "", BackendMemory, BackendFile:
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be memory, file or redis)", c.Storage.Backend)
	}
	return nil
}
