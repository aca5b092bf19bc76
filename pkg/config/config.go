package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the client.
type Config struct {
	// Relay configures the single signaling/relay channel.
	Relay RelayConfig `yaml:"relay" toml:"relay"`

	// Transfer configures chunked file transfers.
	Transfer TransferConfig `yaml:"transfer" toml:"transfer"`

	// Call configures call negotiation.
	Call CallConfig `yaml:"call" toml:"call"`

	// Messaging configures text messages and status posts.
	Messaging MessagingConfig `yaml:"messaging" toml:"messaging"`

	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Log     LogConfig     `yaml:"log" toml:"log"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Workers WorkersConfig `yaml:"workers" toml:"workers"`
	Notify  NotifyConfig  `yaml:"notify" toml:"notify"`
}

// RelayConfig describes the relay endpoint and reconnect policy.
type RelayConfig struct {
	URL string `yaml:"url" toml:"url"`
	// Backoff is the pause between a lost connection and the next dial.
	Backoff time.Duration `yaml:"backoff" toml:"backoff"`
	// BackoffJitter adds up to this much random delay on top of Backoff.
	BackoffJitter time.Duration `yaml:"backoff_jitter" toml:"backoff_jitter"`
	DialTimeout   time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	PingInterval  time.Duration `yaml:"ping_interval" toml:"ping_interval"`
	WriteTimeout  time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	// InboundBuffer is the per-subscriber envelope buffer.
	InboundBuffer int `yaml:"inbound_buffer" toml:"inbound_buffer"`
}

// TransferConfig describes chunking and reassembly limits.
type TransferConfig struct {
	ChunkSize     int           `yaml:"chunk_size" toml:"chunk_size"`
	ChunkInterval time.Duration `yaml:"chunk_interval" toml:"chunk_interval"`
	MaxFileSize   int64         `yaml:"max_file_size" toml:"max_file_size"`
	// MaxPerSender bounds the incomplete inbound transfers one peer may hold.
	MaxPerSender int `yaml:"max_per_sender" toml:"max_per_sender"`
	// StaleAfter drops incomplete inbound transfers that saw no chunk for this long.
	StaleAfter    time.Duration `yaml:"stale_after" toml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	DownloadDir   string        `yaml:"download_dir" toml:"download_dir"`
}

// CallConfig describes the media negotiation.
type CallConfig struct {
	ICEServers []string `yaml:"ice_servers" toml:"ice_servers"`
	// BufferEarlyCandidates keeps candidates that arrive while an offer is
	// waiting for the user's decision.
	BufferEarlyCandidates bool `yaml:"buffer_early_candidates" toml:"buffer_early_candidates"`
	MaxEarlyCandidates    int  `yaml:"max_early_candidates" toml:"max_early_candidates"`
}

// MessagingConfig describes text and status behaviour.
type MessagingConfig struct {
	// QueueOnMissingKey replays messages blocked on a missing contact key
	// once the key arrives.
	QueueOnMissingKey bool          `yaml:"queue_on_missing_key" toml:"queue_on_missing_key"`
	MaxQueuedPerPeer  int           `yaml:"max_queued_per_peer" toml:"max_queued_per_peer"`
	StatusTTL         time.Duration `yaml:"status_ttl" toml:"status_ttl"`
	StatusSweep       time.Duration `yaml:"status_sweep" toml:"status_sweep"`
}

type StorageConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // console, json
	File   string `yaml:"file" toml:"file"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Listen  string `yaml:"listen" toml:"listen"`
}

// WorkersConfig sizes the inbound handler pool.
type WorkersConfig struct {
	Size       int `yaml:"size" toml:"size"`
	QueueDepth int `yaml:"queue_depth" toml:"queue_depth"`
}

type NotifyConfig struct {
	Desktop bool   `yaml:"desktop" toml:"desktop"`
	Icon    string `yaml:"icon" toml:"icon"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:           "ws://127.0.0.1:8000/ws",
			Backoff:       3 * time.Second,
			BackoffJitter: 0,
			DialTimeout:   15 * time.Second,
			PingInterval:  20 * time.Second,
			WriteTimeout:  10 * time.Second,
			InboundBuffer: 100,
		},
		Transfer: TransferConfig{
			ChunkSize:     48 * 1024,
			ChunkInterval: 120 * time.Millisecond,
			MaxFileSize:   64 << 20,
			MaxPerSender:  8,
			StaleAfter:    2 * time.Minute,
			SweepInterval: 30 * time.Second,
			DownloadDir:   "downloads",
		},
		Call: CallConfig{
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			BufferEarlyCandidates: true,
			MaxEarlyCandidates:    64,
		},
		Messaging: MessagingConfig{
			QueueOnMissingKey: true,
			MaxQueuedPerPeer:  32,
			StatusTTL:         24 * time.Hour,
			StatusSweep:       time.Minute,
		},
		Storage: StorageConfig{
			Path: "krypt.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		Workers: WorkersConfig{
			Size:       4,
			QueueDepth: 64,
		},
	}
}

// LoadConfig returns the defaults overlaid with the file at path. Files ending
// in .toml are read as TOML, everything else as YAML. An empty path yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the client cannot run with.
func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if c.Relay.Backoff <= 0 {
		return fmt.Errorf("relay.backoff must be positive")
	}
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be positive")
	}
	if c.Transfer.ChunkInterval < 0 {
		return fmt.Errorf("transfer.chunk_interval must not be negative")
	}
	if c.Workers.Size <= 0 {
		return fmt.Errorf("workers.size must be positive")
	}
	return nil
}
