package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/histcache/internal/media"
	"github.com/matheus3301/histcache/internal/remote"
	"github.com/matheus3301/histcache/internal/sync"
)

// Config represents the global ~/.histcache/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	// LogLevel, when set, overrides the daemon's --log-level and is applied
	// again on every reload.
	LogLevel string `toml:"log_level"`
	Remote         Remote `toml:"remote"`
	Stream         Stream `toml:"stream"`
	Cache          Cache  `toml:"cache"`
	Media          Media  `toml:"media"`
}

type Remote struct {
	BaseURL   string   `toml:"base_url"`
	BatchSize int      `toml:"batch_size"`
	PageSize  int      `toml:"page_size"`
	IdleTTL   Duration `toml:"idle_ttl"`
}

type Stream struct {
	ChunkSize      int `toml:"chunk_size"`
	CacheBatchSize int `toml:"cache_batch_size"`
}

type Cache struct {
	Coverage string `toml:"coverage"`
}

type Media struct {
	Download  bool   `toml:"download"`
	MaxSizeMB int64  `toml:"max_size_mb"`
	Repair    bool   `toml:"repair"`
	OutputDir string `toml:"output_dir"`
	Kinds     Kinds  `toml:"kinds"`
}

// Kinds is the per-kind download allow-list.
type Kinds struct {
	Photos        bool `toml:"photos"`
	Videos        bool `toml:"videos"`
	VoiceMessages bool `toml:"voice_messages"`
	VideoMessages bool `toml:"video_messages"`
	Stickers      bool `toml:"stickers"`
	GIFs          bool `toml:"gifs"`
	Files         bool `toml:"files"`
}

// Duration is a time.Duration written as "10m" in TOML.
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

// Default returns the settings used when config.toml is absent.
func Default() Config {
	return Config{
		DefaultSession: "main",
		Remote: Remote{
			BatchSize: 100,
			PageSize:  100,
			IdleTTL:   Duration{10 * time.Minute},
		},
		Stream: Stream{
			ChunkSize:      250,
			CacheBatchSize: 100,
		},
		Cache: Cache{Coverage: string(sync.CoverageSpan)},
		Media: Media{
			Download:  true,
			MaxSizeMB: 20,
			Kinds: Kinds{
				Photos:        true,
				Videos:        true,
				VoiceMessages: true,
				VideoMessages: true,
				Stickers:      true,
				GIFs:          true,
				Files:         true,
			},
		},
	}
}

// Validate checks value bounds.
func (c *Config) Validate() error {
	var errs []error
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	if c.Remote.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("remote.batch_size must be positive, got %d", c.Remote.BatchSize))
	}
	if c.Remote.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("remote.page_size must be positive, got %d", c.Remote.PageSize))
	}
	if c.Remote.IdleTTL.Duration < 0 {
		errs = append(errs, fmt.Errorf("remote.idle_ttl must not be negative"))
	}
	if c.Stream.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("stream.chunk_size must not be negative, got %d", c.Stream.ChunkSize))
	}
	if c.Stream.CacheBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("stream.cache_batch_size must be positive, got %d", c.Stream.CacheBatchSize))
	}
	switch sync.CoverageMode(c.Cache.Coverage) {
	case sync.CoverageSpan, sync.CoverageIntervals:
	default:
		errs = append(errs, fmt.Errorf("cache.coverage must be %q or %q, got %q",
			sync.CoverageSpan, sync.CoverageIntervals, c.Cache.Coverage))
	}
	if c.Media.MaxSizeMB < 0 {
		errs = append(errs, fmt.Errorf("media.max_size_mb must not be negative, got %d", c.Media.MaxSizeMB))
	}
	return errors.Join(errs...)
}

// Policy converts the [media] table to a download policy.
func (c *Config) Policy() media.Policy {
	k := c.Media.Kinds
	return media.Policy{
		Enabled:  c.Media.Download,
		MaxBytes: c.Media.MaxSizeMB << 20,
		Kinds: map[remote.MediaKind]bool{
			remote.KindPhoto:        k.Photos,
			remote.KindVideo:        k.Videos,
			remote.KindVoice:        k.VoiceMessages,
			remote.KindVideoMessage: k.VideoMessages,
			remote.KindSticker:      k.Stickers,
			remote.KindGIF:          k.GIFs,
			remote.KindFile:         k.Files,
		},
	}
}

// SyncOptions returns the per-sync settings.
func (c *Config) SyncOptions() sync.Options {
	return sync.Options{
		RemoteBatchSize: c.Remote.BatchSize,
		CacheBatchSize:  c.Stream.CacheBatchSize,
		Coverage:        sync.CoverageMode(c.Cache.Coverage),
		Policy:          c.Policy(),
		Repair:          c.Media.Repair,
	}
}

// Load reads config from the given path over Default and validates it.
// Returns error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		d := Default()
		return &d, nil
	}
	return cfg, err
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
