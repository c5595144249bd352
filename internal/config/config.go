package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.yarsha/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Backend Backend `toml:"backend"`
	Sync    Sync    `toml:"sync"`
	Upload  Upload  `toml:"upload"`
	Metrics Metrics `toml:"metrics"`
	Tracing Tracing `toml:"tracing"`
	Auth    Auth    `toml:"auth"`
}

// Stream transports understood by the backend client.
const (
	TransportGRPC      = "grpc"
	TransportWebsocket = "websocket"
)

// Backend locates the chat service.
type Backend struct {
	Address         string   `toml:"address"`
	Insecure        bool     `toml:"insecure"`
	StreamTransport string   `toml:"stream_transport"`
	SocketURL       string   `toml:"socket_url"`
	RequestTimeout  Duration `toml:"request_timeout"`
}

// Sync tunes fetch sizes and message classification.
type Sync struct {
	ChatPageSize    int      `toml:"chat_page_size"`
	MessagePageSize int      `toml:"message_page_size"`
	GIFPatterns     []string `toml:"gif_patterns"`
	ReconnectDelay  Duration `toml:"reconnect_delay"`
}

// Upload configures the S3 compatible media bucket.
type Upload struct {
	Endpoint   string   `toml:"endpoint"`
	AccessKey  string   `toml:"access_key"`
	SecretKey  string   `toml:"secret_key"`
	Bucket     string   `toml:"bucket"`
	UseSSL     bool     `toml:"use_ssl"`
	ReadURLTTL Duration `toml:"read_url_ttl"`
	KeyPrefix  string   `toml:"key_prefix"`
	Enabled    bool     `toml:"enabled"`
}

// Metrics configures the prometheus listener. Empty Listen disables it.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Tracing configures OTLP export. Empty endpoint disables export.
type Tracing struct {
	OTLPEndpoint string  `toml:"otlp_endpoint"`
	ServiceName  string  `toml:"service_name"`
	SampleRatio  float64 `toml:"sample_ratio"`
}

// Auth locates the bearer token and names this installation.
type Auth struct {
	TokenFile string `toml:"token_file"`
	DeviceID  string `toml:"device_id"`
}

// Duration is a time.Duration that reads and writes as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Backend: Backend{
			Address:         "localhost:7443",
			StreamTransport: TransportGRPC,
			RequestTimeout:  Duration{15 * time.Second},
		},
		Sync: Sync{
			ChatPageSize:    20,
			MessagePageSize: 50,
			ReconnectDelay:  Duration{2 * time.Second},
		},
		Upload: Upload{
			Bucket:     "yarsha-media",
			ReadURLTTL: Duration{24 * time.Hour},
		},
		Tracing: Tracing{
			ServiceName: "yarshad",
			SampleRatio: 1,
		},
	}
}

// Load reads config from the given path on top of Default. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadOrDefault is Load, falling back to Default when the file is absent.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the sync core cannot run with.
func (c *Config) Validate() error {
	switch c.Backend.StreamTransport {
	case TransportGRPC, TransportWebsocket:
	default:
		return fmt.Errorf("backend.stream_transport %q: must be %q or %q", c.Backend.StreamTransport, TransportGRPC, TransportWebsocket)
	}
	if c.Backend.StreamTransport == TransportWebsocket && c.Backend.SocketURL == "" {
		return errors.New("backend.socket_url is required with the websocket transport")
	}
	if c.Sync.ChatPageSize <= 0 || c.Sync.MessagePageSize <= 0 {
		return errors.New("sync page sizes must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio %v: must be within [0, 1]", c.Tracing.SampleRatio)
	}
	return nil
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
