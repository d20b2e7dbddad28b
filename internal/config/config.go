package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.lume/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	ServerURL string `toml:"server_url"`
	SocketURL string `toml:"socket_url"`

	Transport Transport `toml:"transport"`
	Upload    Upload    `toml:"upload"`
	Media     Media     `toml:"media"`
}

// Transport holds socket connection tunables.
type Transport struct {
	HeartbeatSeconds     int `toml:"heartbeat_seconds"`
	BackoffBaseMillis    int `toml:"backoff_base_millis"`
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
}

// Upload holds resumable upload tunables.
type Upload struct {
	MaxFileBytes     int64 `toml:"max_file_bytes"`
	ChunkBytes       int64 `toml:"chunk_bytes"`
	Concurrency      int   `toml:"concurrency"`
	ChunkRetries     int   `toml:"chunk_retries"`
	RetryDelayMillis int   `toml:"retry_delay_millis"`
	ResumeWindowHrs  int   `toml:"resume_window_hours"`
}

// Media holds media cache tunables.
type Media struct {
	MaxAgeDays    int   `toml:"max_age_days"`
	MaxTotalBytes int64 `toml:"max_total_bytes"`
}

// Default returns a config populated with production defaults.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		ServerURL:      "https://api.lume.chat",
		SocketURL:      "wss://api.lume.chat/v1/socket",
		Transport: Transport{
			HeartbeatSeconds:     30,
			BackoffBaseMillis:    1000,
			MaxReconnectAttempts: 8,
		},
		Upload: Upload{
			MaxFileBytes:     150 << 20,
			ChunkBytes:       1 << 20,
			Concurrency:      3,
			ChunkRetries:     3,
			RetryDelayMillis: 500,
			ResumeWindowHrs:  24,
		},
		Media: Media{
			MaxAgeDays:    14,
			MaxTotalBytes: 512 << 20,
		},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
// Returns an error if the file is missing or unparseable.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadOrDefault reads config from the given path, falling back to defaults
// when the file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
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

// A zero value in the file means "use the default", never "zero interval".
func (c *Config) applyDefaults() {
	d := Default()
	if c.Transport.HeartbeatSeconds <= 0 {
		c.Transport.HeartbeatSeconds = d.Transport.HeartbeatSeconds
	}
	if c.Transport.BackoffBaseMillis <= 0 {
		c.Transport.BackoffBaseMillis = d.Transport.BackoffBaseMillis
	}
	if c.Transport.MaxReconnectAttempts <= 0 {
		c.Transport.MaxReconnectAttempts = d.Transport.MaxReconnectAttempts
	}
	if c.Upload.MaxFileBytes <= 0 {
		c.Upload.MaxFileBytes = d.Upload.MaxFileBytes
	}
	if c.Upload.ChunkBytes <= 0 {
		c.Upload.ChunkBytes = d.Upload.ChunkBytes
	}
	if c.Upload.Concurrency <= 0 {
		c.Upload.Concurrency = d.Upload.Concurrency
	}
	if c.Upload.ChunkRetries <= 0 {
		c.Upload.ChunkRetries = d.Upload.ChunkRetries
	}
	if c.Upload.RetryDelayMillis <= 0 {
		c.Upload.RetryDelayMillis = d.Upload.RetryDelayMillis
	}
	if c.Upload.ResumeWindowHrs <= 0 {
		c.Upload.ResumeWindowHrs = d.Upload.ResumeWindowHrs
	}
	if c.Media.MaxAgeDays <= 0 {
		c.Media.MaxAgeDays = d.Media.MaxAgeDays
	}
	if c.Media.MaxTotalBytes <= 0 {
		c.Media.MaxTotalBytes = d.Media.MaxTotalBytes
	}
}

// HeartbeatInterval returns the transport heartbeat interval as a Duration.
func (t Transport) HeartbeatInterval() time.Duration {
	return time.Duration(t.HeartbeatSeconds) * time.Second
}

// BackoffBase returns the reconnect backoff base as a Duration.
func (t Transport) BackoffBase() time.Duration {
	return time.Duration(t.BackoffBaseMillis) * time.Millisecond
}

// RetryDelay returns the per-chunk retry delay as a Duration.
func (u Upload) RetryDelay() time.Duration {
	return time.Duration(u.RetryDelayMillis) * time.Millisecond
}

// ResumeWindow returns how long an upload session stays resumable.
func (u Upload) ResumeWindow() time.Duration {
	return time.Duration(u.ResumeWindowHrs) * time.Hour
}

// MaxAge returns the media cache entry max age as a Duration.
func (m Media) MaxAge() time.Duration {
	return time.Duration(m.MaxAgeDays) * 24 * time.Hour
}
