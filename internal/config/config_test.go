package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/histcache/internal/media"
	"github.com/matheus3301/histcache/internal/remote"
	"github.com/matheus3301/histcache/internal/sync"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Remote.IdleTTL = Duration{time.Hour}
	cfg.Cache.Coverage = "intervals"
	if err := Save(path, &cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Remote.IdleTTL.Duration != time.Hour {
		t.Errorf("IdleTTL = %s, want 1h", loaded.Remote.IdleTTL)
	}
	if loaded.Cache.Coverage != "intervals" {
		t.Errorf("Coverage = %q, want intervals", loaded.Cache.Coverage)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "[stream]\nchunk_size = 10\n\n[media.kinds]\nstickers = false\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Stream.ChunkSize != 10 {
		t.Errorf("ChunkSize = %d, want 10", cfg.Stream.ChunkSize)
	}
	if cfg.Stream.CacheBatchSize != 100 || cfg.Remote.BatchSize != 100 {
		t.Errorf("defaults lost: %+v %+v", cfg.Stream, cfg.Remote)
	}
	if cfg.Media.Kinds.Stickers || !cfg.Media.Kinds.Photos {
		t.Errorf("Kinds = %+v, want only stickers disabled", cfg.Media.Kinds)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Stream.ChunkSize != 250 {
		t.Errorf("ChunkSize = %d, want default 250", cfg.Stream.ChunkSize)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown key", "colour = \"blue\"\n"},
		{"bad coverage", "[cache]\ncoverage = \"everything\"\n"},
		{"zero batch", "[remote]\nbatch_size = 0\n"},
		{"negative chunk", "[stream]\nchunk_size = -1\n"},
		{"bad duration", "[remote]\nidle_ttl = \"soon\"\n"},
		{"negative size", "[media]\nmax_size_mb = -5\n"},
		{"bad log level", "log_level = \"chatty\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.data), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	if err := Save(path, &cfg); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestSyncOptions(t *testing.T) {
	cfg := Default()
	cfg.Media.MaxSizeMB = 2
	cfg.Media.Kinds.Videos = false
	cfg.Media.Repair = true

	opts := cfg.SyncOptions()
	if opts.Coverage != sync.CoverageSpan {
		t.Errorf("Coverage = %q, want span", opts.Coverage)
	}
	if !opts.Repair {
		t.Error("Repair = false, want true")
	}
	if opts.Policy.MaxBytes != 2<<20 {
		t.Errorf("MaxBytes = %d, want %d", opts.Policy.MaxBytes, 2<<20)
	}

	tests := []struct {
		media remote.Media
		want  media.Reason
	}{
		{remote.Media{Kind: remote.KindPhoto, Size: 1 << 20}, media.ReasonNone},
		{remote.Media{Kind: remote.KindVideo, Size: 10}, media.ReasonKind},
		{remote.Media{Kind: remote.KindFile, Size: 3 << 20}, media.ReasonTooLarge},
	}
	for _, tt := range tests {
		if got := opts.Policy.Evaluate(&tt.media); got != tt.want {
			t.Errorf("Evaluate(%s, %d) = %q, want %q", tt.media.Kind, tt.media.Size, got, tt.want)
		}
	}
}

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("HISTCACHE_API_TOKEN=from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvAPIToken, "")
	_ = os.Unsetenv(EnvAPIToken)
	t.Setenv(EnvAPIURL, "https://override.example")

	cfg := Default()
	cfg.Remote.BaseURL = "https://config.example"
	creds, err := LoadCredentials(&cfg, envFile, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}
	if creds.Token != "from-file" {
		t.Errorf("Token = %q, want from-file", creds.Token)
	}
	if creds.BaseURL != "https://override.example" {
		t.Errorf("BaseURL = %q, want env override", creds.BaseURL)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	if err := Save(path, &cfg); err != nil {
		t.Fatal(err)
	}

	h := NewHolder(&cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, h, zap.NewNop(), func(c *Config) { reloaded <- c })
	}()
	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte("[cache]\ncoverage = \"bogus\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	next := Default()
	next.Stream.ChunkSize = 7
	if err := Save(path, &next); err != nil {
		t.Fatal(err)
	}

	// Truncation may surface as an intermediate reload of an empty file.
	timeout := time.After(2 * time.Second)
	for seen := false; !seen; {
		select {
		case c := <-reloaded:
			if c.Cache.Coverage == "bogus" {
				t.Fatal("invalid config was applied")
			}
			seen = c.Stream.ChunkSize == 7
		case <-timeout:
			t.Fatal("no reload observed")
		}
	}
	if got := h.Get().Stream.ChunkSize; got != 7 {
		t.Errorf("holder ChunkSize = %d, want 7", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}
