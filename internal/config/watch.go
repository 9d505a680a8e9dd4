package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Holder publishes the current config snapshot to concurrent readers.
type Holder struct {
	v atomic.Pointer[Config]
}

// NewHolder returns a holder seeded with cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.Set(cfg)
	return h
}

func (h *Holder) Get() *Config { return h.v.Load() }

func (h *Holder) Set(cfg *Config) { h.v.Store(cfg) }

// Watch reloads path into h whenever it changes, until ctx is done. The
// parent directory is watched so editors that replace the file are seen.
// Edits that fail to load are logged and the previous snapshot kept.
// onChange, if non-nil, is called after every successful reload.
func Watch(ctx context.Context, path string, h *Holder, logger *zap.Logger, onChange func(*Config)) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload rejected", zap.String("path", path), zap.Error(err))
				continue
			}
			h.Set(cfg)
			logger.Info("config reloaded", zap.String("path", path))
			if onChange != nil {
				onChange(cfg)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
