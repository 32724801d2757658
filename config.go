package callcore

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the YAML wiring config consumed by embedding applications: where the
// signaling server and profile directory live, how the local identity presents
// itself, and where to log.
type Config struct {
	ServerURL      string        `yaml:"serverUrl"`
	ProfileBaseURL string        `yaml:"profileBaseUrl,omitempty"`
	RoomID         string        `yaml:"roomId"`
	PeerID         string        `yaml:"peerId"`
	IsHost         bool          `yaml:"isHost,omitempty"`
	DisplayName    string        `yaml:"displayName,omitempty"`
	PhotoURL       string        `yaml:"photoUrl,omitempty"`
	RequestTimeout time.Duration `yaml:"requestTimeout,omitempty"`
	BridgeTimeout  time.Duration `yaml:"bridgeTimeout,omitempty"`

	Media MediaConfig `yaml:"media,omitempty"`
	Log   LogConfig   `yaml:"log,omitempty"`
}

type MediaConfig struct {
	EchoCancellation  bool     `yaml:"echoCancellation,omitempty"`
	PreferredCodecs   []string `yaml:"preferredCodecs,omitempty"`
	EnableDataChannel bool     `yaml:"enableDataChannel,omitempty"`
}

type LogConfig struct {
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"maxSizeMb,omitempty"`
	MaxBackups int    `yaml:"maxBackups,omitempty"`
	MaxAgeDays int    `yaml:"maxAgeDays,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("config: serverUrl is required")
	}
	return &cfg, nil
}

// Options converts the config into session options.
func (c *Config) Options() Options {
	return Options{
		ServerURL:   c.ServerURL,
		RoomID:      c.RoomID,
		PeerID:      c.PeerID,
		IsHost:      c.IsHost,
		DisplayName: c.DisplayName,
		PhotoURL:    c.PhotoURL,
		Media: MediaOptions{
			EchoCancellation:  c.Media.EchoCancellation,
			PreferredCodecs:   c.Media.PreferredCodecs,
			EnableDataChannel: c.Media.EnableDataChannel,
		},
		RequestTimeout: c.RequestTimeout,
		BridgeTimeout:  c.BridgeTimeout,
	}
}
