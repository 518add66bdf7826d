package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	ini "gopkg.in/ini.v1"

	"github.com/birddigital/convai-relay/pkg/logging"
)

// Config is the complete process configuration.
type Config struct {
	Server   ServerConfig
	Provider ProviderConfig
	Relay    RelayConfig
	Logging  logging.Config
	Database DatabaseConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string
	// PublicHost is the host callers' carriers reach us on. When empty the
	// Host header of the webhook request is used.
	PublicHost      string
	ShutdownTimeout time.Duration
}

// ProviderConfig configures the conversational AI provider.
type ProviderConfig struct {
	APIKey         string
	AgentID        string
	BaseURL        string
	RequestTimeout time.Duration
}

// RelayConfig tunes sessions and their websocket legs.
type RelayConfig struct {
	ConnectTimeout time.Duration
	SendQueue      int
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DatabaseConfig enables call records when URL is set.
type DatabaseConfig struct {
	URL string
}

// Load reads path (optional) and the .env file of the working directory.
func Load(path string) (*Config, error) {
	return LoadFiles(path, ".env")
}

// LoadFiles builds a Config from, in increasing precedence: defaults, the INI
// file at path, and the environment. envFile is loaded into the environment
// first without overriding variables that are already set. Missing files are
// skipped when their path is empty or, for envFile, when it does not exist.
func LoadFiles(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	file := ini.Empty()
	if path != "" {
		var err error
		file, err = ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	cfg := fromINI(file)
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromINI(file *ini.File) *Config {
	cfg := &Config{}

	sec := file.Section("server")
	cfg.Server.Addr = sec.Key("addr").MustString(":8000")
	cfg.Server.PublicHost = sec.Key("public_host").String()
	cfg.Server.ShutdownTimeout = sec.Key("shutdown_timeout").MustDuration(10 * time.Second)

	sec = file.Section("provider")
	cfg.Provider.APIKey = sec.Key("api_key").String()
	cfg.Provider.AgentID = sec.Key("agent_id").String()
	cfg.Provider.BaseURL = sec.Key("base_url").MustString("https://api.elevenlabs.io")
	cfg.Provider.RequestTimeout = sec.Key("request_timeout").MustDuration(30 * time.Second)

	sec = file.Section("relay")
	cfg.Relay.ConnectTimeout = sec.Key("connect_timeout").MustDuration(10 * time.Second)
	cfg.Relay.SendQueue = sec.Key("send_queue").MustInt(256)
	cfg.Relay.PingInterval = sec.Key("ping_interval").MustDuration(20 * time.Second)
	cfg.Relay.ReadTimeout = sec.Key("read_timeout").MustDuration(60 * time.Second)
	cfg.Relay.WriteTimeout = sec.Key("write_timeout").MustDuration(5 * time.Second)

	sec = file.Section("logging")
	cfg.Logging.Level = sec.Key("level").MustString("info")
	cfg.Logging.Format = sec.Key("format").MustString("text")
	cfg.Logging.File = sec.Key("file").String()
	cfg.Logging.MaxSizeMB = sec.Key("max_size_mb").MustInt(100)
	cfg.Logging.MaxBackups = sec.Key("max_backups").MustInt(3)
	cfg.Logging.MaxAgeDays = sec.Key("max_age_days").MustInt(28)

	cfg.Database.URL = file.Section("database").Key("url").String()

	return cfg
}

func (c *Config) applyEnv() error {
	setString(&c.Provider.APIKey, "ELEVENLABS_API_KEY")
	setString(&c.Provider.AgentID, "ELEVENLABS_AGENT_ID")
	setString(&c.Provider.BaseURL, "ELEVENLABS_BASE_URL")
	setString(&c.Server.PublicHost, "PUBLIC_HOST")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setString(&c.Logging.File, "LOG_FILE")

	if port, ok := os.LookupEnv("PORT"); ok && port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("invalid PORT %q", port)
		}
		c.Server.Addr = ":" + port
	}

	if v, ok := os.LookupEnv("CONNECT_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CONNECT_TIMEOUT %q: %w", v, err)
		}
		c.Relay.ConnectTimeout = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate reports the first missing or invalid setting.
func (c *Config) Validate() error {
	if c.Provider.APIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY not configured")
	}
	if c.Provider.AgentID == "" {
		return fmt.Errorf("ELEVENLABS_AGENT_ID not configured")
	}
	if c.Relay.ConnectTimeout <= 0 {
		return fmt.Errorf("relay connect_timeout must be positive")
	}
	if c.Relay.ReadTimeout > 0 && c.Relay.PingInterval >= c.Relay.ReadTimeout {
		return fmt.Errorf("relay ping_interval must be shorter than read_timeout")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}
