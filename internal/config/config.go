package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the daemon configuration file.
type Config struct {
	HTTPAddr   string `toml:"http_addr"`
	SocketAddr string `toml:"socket_addr"`
	DataDir    string `toml:"data_dir"`
	UploadDir  string `toml:"upload_dir"`

	// MaxImageBytes etc. bound multipart uploads per media category.
	MaxImageBytes    int64 `toml:"max_image_bytes"`
	MaxAudioBytes    int64 `toml:"max_audio_bytes"`
	MaxVideoBytes    int64 `toml:"max_video_bytes"`
	MaxDocumentBytes int64 `toml:"max_document_bytes"`

	// StalenessHours is the ingestion freshness window.
	StalenessHours int `toml:"staleness_hours"`
	// ReconnectBudget bounds reconnection attempts per session.
	ReconnectBudget int `toml:"reconnect_budget"`
}

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		HTTPAddr:         ":6001",
		SocketAddr:       ":6002",
		DataDir:          dataDir,
		UploadDir:        filepath.Join(dataDir, "uploads"),
		MaxImageBytes:    10 << 20,
		MaxAudioBytes:    15 << 20,
		MaxVideoBytes:    15 << 20,
		MaxDocumentBytes: 100 << 20,
		StalenessHours:   96,
		ReconnectBudget:  3,
	}
}

// Load reads config from the given path, filling unset fields from Default.
func Load(path string) (*Config, error) {
	cfg := Default(filepath.Dir(path))
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(cfg.DataDir, "uploads")
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

// DBPath returns the application database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "backwhatsapp.db")
}

// SessionDBPath returns the protocol-engine credential store path for a
// session key.
func (c *Config) SessionDBPath(key string) string {
	return filepath.Join(c.DataDir, "sessions", key+".db")
}

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "whatsappd.log")
}
