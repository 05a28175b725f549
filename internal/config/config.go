package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// Duration is a time.Duration written as a string ("30s", "10m") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config represents ~/.chatd/config.toml.
type Config struct {
	DataDir  string         `toml:"data_dir"`
	LogLevel string         `toml:"log_level"`
	Instance string         `toml:"instance"`
	HTTP     HTTPConfig     `toml:"http"`
	Auth     AuthConfig     `toml:"auth"`
	Realtime RealtimeConfig `toml:"realtime"`
	Notify   NotifyConfig   `toml:"notify"`
	WebPush  WebPushConfig  `toml:"webpush"`
	Gateway  GatewayConfig  `toml:"gateway"`
}

type HTTPConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens issued by the identity service.
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
	// ServiceKey guards the internal dispatch endpoint.
	ServiceKey string `toml:"service_key"`
}

type RealtimeConfig struct {
	Buffer        int    `toml:"buffer"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisChannel  string `toml:"redis_channel"`
}

type NotifyConfig struct {
	Enabled      bool     `toml:"enabled"`
	Interval     Duration `toml:"interval"`
	MaxInterval  Duration `toml:"max_interval"`
	BatchLimit   int      `toml:"batch_limit"`
	AppName      string   `toml:"app_name"`
	PreviewLimit int      `toml:"preview_limit"`
}

type WebPushConfig struct {
	VAPIDPublicKey  string   `toml:"vapid_public_key"`
	VAPIDPrivateKey string   `toml:"vapid_private_key"`
	Subscriber      string   `toml:"subscriber"`
	TTL             Duration `toml:"ttl"`
}

type GatewayConfig struct {
	URL         string   `toml:"url"`
	AccessToken string   `toml:"access_token"`
	Timeout     Duration `toml:"timeout"`
}

// DefaultDir returns ~/.chatd, or .chatd when the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatd"
	}
	return filepath.Join(home, ".chatd")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.toml")
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		DataDir:  DefaultDir(),
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{15 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Auth: AuthConfig{
			Issuer: "campus-identity",
		},
		Realtime: RealtimeConfig{
			Buffer:       256,
			RedisChannel: "chatd:messages",
		},
		Notify: NotifyConfig{
			Enabled:      true,
			Interval:     Duration{30 * time.Second},
			MaxInterval:  Duration{10 * time.Minute},
			BatchLimit:   100,
			AppName:      "Campus",
			PreviewLimit: 100,
		},
		WebPush: WebPushConfig{
			TTL: Duration{24 * time.Hour},
		},
		Gateway: GatewayConfig{
			URL:     "https://exp.host/--/api/v2/push/send",
			Timeout: Duration{15 * time.Second},
		},
	}
}

// Load reads config from path on top of the defaults. A missing file
// yields the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode %s: unknown keys %v", path, undecoded)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv overrides secrets from the environment so they need not live in
// the config file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CHATD_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("CHATD_SERVICE_KEY"); v != "" {
		c.Auth.ServiceKey = v
	}
	if v := os.Getenv("CHATD_REDIS_ADDR"); v != "" {
		c.Realtime.RedisAddr = v
	}
	if v := os.Getenv("CHATD_VAPID_PRIVATE_KEY"); v != "" {
		c.WebPush.VAPIDPrivateKey = v
	}
	if v := os.Getenv("CHATD_GATEWAY_TOKEN"); v != "" {
		c.Gateway.AccessToken = v
	}
}

// Validate checks values the daemon cannot start without.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Notify.Enabled && c.Notify.Interval.Duration <= 0 {
		return errors.New("notify.interval must be positive")
	}
	if c.Notify.MaxInterval.Duration < c.Notify.Interval.Duration {
		return errors.New("notify.max_interval must not be below notify.interval")
	}
	if (c.WebPush.VAPIDPublicKey == "") != (c.WebPush.VAPIDPrivateKey == "") {
		return errors.New("webpush needs both vapid_public_key and vapid_private_key")
	}
	return nil
}

// WebPushEnabled reports whether VAPID keys are configured.
func (c *Config) WebPushEnabled() bool {
	return c.WebPush.VAPIDPublicKey != "" && c.WebPush.VAPIDPrivateKey != ""
}

// GatewayEnabled reports whether a mobile push gateway is configured.
func (c *Config) GatewayEnabled() bool {
	return c.Gateway.URL != ""
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "chatd.db") }

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string { return filepath.Join(c.DataDir, "logs", "chatd.log") }

// SocketPath returns the admin gRPC unix socket path.
func (c *Config) SocketPath() string { return filepath.Join(c.DataDir, "chatd.sock") }

// LockDir returns the directory guarded by the daemon lock.
func (c *Config) LockDir() string { return c.DataDir }
