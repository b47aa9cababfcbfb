// Package config loads runtime settings from defaults, an optional config
// file and CODESHARE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"codeshare/internal/hub"
	"codeshare/internal/logging"
	"codeshare/internal/websocket"
	dbconfig "codeshare/pkg/database"
)

const (
	// EnvPrefix prefixes every environment override, e.g. CODESHARE_HTTP_PORT.
	EnvPrefix = "CODESHARE"
	// ConfigFileEnv names the environment variable holding the config file path.
	ConfigFileEnv = "CODESHARE_CONFIG_FILE"
)

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Hub       HubConfig       `mapstructure:"hub"`
	Log       logging.Config  `mapstructure:"log"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
	// Timeout bounds the lifetime of pooled connections.
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
	// SeedFile is a YAML catalog loaded into an empty store. Empty means the
	// built-in exercises.
	SeedFile string `mapstructure:"seed_file"`
}

type HTTPConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// WebSocket classroom defaults: 30s heartbeat, 64KiB frames.
type WebSocketConfig struct {
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	BufferSize         int           `mapstructure:"buffer_size"`
	MaxMessageBytes    int64         `mapstructure:"max_message_bytes"`
	MaxEventsPerMinute int           `mapstructure:"max_events_per_minute"`
}

type HubConfig struct {
	EventBuffer   int           `mapstructure:"event_buffer"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

func DefaultConfig() *Config {
	ws := websocket.DefaultConfig()
	h := hub.DefaultConfig()
	db := dbconfig.DefaultConfig()

	return &Config{
		Database: DatabaseConfig{
			Path:           db.DatabasePath,
			Timeout:        30 * time.Minute,
			MaxConnections: db.MaxConnections,
		},
		HTTP: HTTPConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			Mode:           "release",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		WebSocket: WebSocketConfig{
			PingInterval:       ws.PingInterval,
			ReadTimeout:        ws.ReadTimeout,
			WriteTimeout:       ws.WriteTimeout,
			BufferSize:         ws.BufferSize,
			MaxMessageBytes:    ws.MaxMessageBytes,
			MaxEventsPerMinute: ws.MaxEventsPerMinute,
		},
		Hub: HubConfig{
			EventBuffer:   h.EventBuffer,
			LookupTimeout: h.LookupTimeout,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return errors.New("database max connections must be positive")
	}

	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	switch c.HTTP.Mode {
	case "release", "debug", "test":
	default:
		return fmt.Errorf("HTTP mode must be release, debug or test, got %q", c.HTTP.Mode)
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if err := c.Gateway().Validate(); err != nil {
		return err
	}

	if c.Hub.EventBuffer <= 0 {
		return errors.New("hub event buffer must be positive")
	}
	if c.Hub.LookupTimeout <= 0 {
		return errors.New("hub lookup timeout must be positive")
	}

	return c.Log.Validate()
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// Store converts the database section for the SQLite manager.
func (c *Config) Store() *dbconfig.Config {
	return &dbconfig.Config{
		DatabasePath:    c.Database.Path,
		MaxConnections:  c.Database.MaxConnections,
		ConnMaxLifetime: c.Database.Timeout,
		ConnMaxIdleTime: c.Database.Timeout / 3,
		SeedFile:        c.Database.SeedFile,
	}
}

// Gateway converts the websocket section for the connection gateway. The
// upgrader shares the HTTP origin list.
func (c *Config) Gateway() websocket.Config {
	return websocket.Config{
		PingInterval:       c.WebSocket.PingInterval,
		ReadTimeout:        c.WebSocket.ReadTimeout,
		WriteTimeout:       c.WebSocket.WriteTimeout,
		BufferSize:         c.WebSocket.BufferSize,
		MaxMessageBytes:    c.WebSocket.MaxMessageBytes,
		MaxEventsPerMinute: c.WebSocket.MaxEventsPerMinute,
		AllowedOrigins:     c.HTTP.AllowedOrigins,
	}
}

// Coordinator converts the hub section.
func (c *Config) Coordinator() hub.Config {
	return hub.Config{
		EventBuffer:   c.Hub.EventBuffer,
		LookupTimeout: c.Hub.LookupTimeout,
	}
}

// Load builds the configuration with precedence env > file > defaults. An
// empty path skips the file; a path that cannot be read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.timeout", d.Database.Timeout)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.seed_file", d.Database.SeedFile)

	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.mode", d.HTTP.Mode)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)
	v.SetDefault("websocket.max_message_bytes", d.WebSocket.MaxMessageBytes)
	v.SetDefault("websocket.max_events_per_minute", d.WebSocket.MaxEventsPerMinute)

	v.SetDefault("hub.event_buffer", d.Hub.EventBuffer)
	v.SetDefault("hub.lookup_timeout", d.Hub.LookupTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}
