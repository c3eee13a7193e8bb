package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 3306
	DefaultPoolSize = 10
	DefaultDriver   = "mysql"
)

// Config holds the dispatcher configuration
type Config struct {
	Database   Connection
	Dispatcher DispatcherConfig
	Metrics    MetricsConfig
}

// Connection holds the parameters every worker session connects with.
// It is never mutated after loading.
type Connection struct {
	Driver     string // mysql, postgres or sqlite3
	Host       string
	Port       int
	Database   string // Database name, or file path for sqlite3
	User       string
	Password   string
	AutoCommit bool
}

// DispatcherConfig holds worker pool settings
type DispatcherConfig struct {
	PoolSize       int
	ReconnectDelay time.Duration // Base delay between reconnect attempts (grows linearly)
	PingInterval   time.Duration // Idle session keep-alive, 0 disables
}

// MetricsConfig holds the metrics endpoint settings
type MetricsConfig struct {
	Listen string
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Database: Connection{
			Driver:     DefaultDriver,
			Host:       DefaultHost,
			Port:       DefaultPort,
			AutoCommit: true,
		},
		Dispatcher: DispatcherConfig{
			PoolSize: DefaultPoolSize,
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
	}
}

// Load reads configuration from an INI file with environment variable overrides
func Load(path string) (*Config, error) {
	// Connection strings use ';' as separator, so only " ;" starts an inline comment
	cfg, err := ini.LoadSources(ini.LoadOptions{SpaceBeforeInlineComment: true}, path)
	if err != nil {
		return nil, err
	}

	config := Default()

	db := cfg.Section("database")
	if cs := db.Key("connection_string").String(); cs != "" {
		conn, err := ParseConnectionString(cs)
		if err != nil {
			return nil, err
		}
		conn.Driver = config.Database.Driver
		conn.AutoCommit = config.Database.AutoCommit
		config.Database = conn
	}
	config.Database.Driver = db.Key("driver").MustString(config.Database.Driver)
	config.Database.Host = db.Key("host").MustString(config.Database.Host)
	config.Database.Port = db.Key("port").MustInt(config.Database.Port)
	config.Database.Database = db.Key("database").MustString(config.Database.Database)
	config.Database.User = db.Key("user").MustString(config.Database.User)
	config.Database.Password = db.Key("password").MustString(config.Database.Password)
	config.Database.AutoCommit = db.Key("autocommit").MustBool(config.Database.AutoCommit)

	dispatcher := cfg.Section("dispatcher")
	config.Dispatcher.PoolSize = dispatcher.Key("pool_size").MustInt(DefaultPoolSize)
	config.Dispatcher.ReconnectDelay = time.Duration(dispatcher.Key("reconnect_delay_ms").MustInt(0)) * time.Millisecond
	config.Dispatcher.PingInterval = time.Duration(dispatcher.Key("ping_interval_ms").MustInt(0)) * time.Millisecond

	config.Metrics.Listen = cfg.Section("metrics").Key("listen").MustString(config.Metrics.Listen)

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	return config, config.Validate()
}

func applyEnv(config *Config) error {
	if v := os.Getenv("TQDBDISPATCH_CONNECTION_STRING"); v != "" {
		conn, err := ParseConnectionString(v)
		if err != nil {
			return err
		}
		conn.Driver = config.Database.Driver
		conn.AutoCommit = config.Database.AutoCommit
		config.Database = conn
	}
	if v := os.Getenv("TQDBDISPATCH_DRIVER"); v != "" {
		config.Database.Driver = v
	}
	if v := os.Getenv("TQDBDISPATCH_PASSWORD"); v != "" {
		config.Database.Password = v
	}
	if v := os.Getenv("TQDBDISPATCH_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TQDBDISPATCH_POOL_SIZE: %w", err)
		}
		config.Dispatcher.PoolSize = n
	}
	if v := os.Getenv("TQDBDISPATCH_METRICS_LISTEN"); v != "" {
		config.Metrics.Listen = v
	}
	return nil
}

// Validate checks the configuration for values the dispatcher cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported driver %q", c.Database.Driver)
	}
	if c.Dispatcher.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.Dispatcher.PoolSize)
	}
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Database.Port)
	}
	return nil
}

// ParseConnectionString parses a "Server=host;Port=3306;Database=db;Uid=user;Pwd=secret"
// connection string. Keys are case-insensitive and unrecognized keys are
// ignored. Host and port default to 127.0.0.1:3306.
func ParseConnectionString(s string) (Connection, error) {
	conn := Connection{
		Host: DefaultHost,
		Port: DefaultPort,
	}

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Connection{}, fmt.Errorf("malformed connection string part %q", part)
		}
		v = strings.TrimSpace(v)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "server":
			conn.Host = v
		case "port":
			port, err := strconv.Atoi(v)
			if err != nil {
				return Connection{}, fmt.Errorf("invalid port %q: %w", v, err)
			}
			conn.Port = port
		case "database":
			conn.Database = v
		case "uid":
			conn.User = v
		case "pwd":
			conn.Password = v
		}
	}

	return conn, nil
}

// Address returns host:port
func (c Connection) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
