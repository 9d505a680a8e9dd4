// Package session resolves the active session and its on-disk layout:
//
//	$HISTCACHE_HOME/config.toml
//	$HISTCACHE_HOME/sessions/<name>/{LOCK,daemon.sock,cache.db,.env}
//	$HISTCACHE_HOME/sessions/<name>/{logs,media}/
package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvHome relocates the whole tree, mainly for tests.
const EnvHome = "HISTCACHE_HOME"

const (
	fileLock   = "LOCK"
	fileSocket = "daemon.sock"
	fileCache  = "cache.db"
	fileEnv    = ".env"
	fileLog    = "histcached.log"
	dirLogs    = "logs"
	dirMedia   = "media"
)

// BaseDir returns $HISTCACHE_HOME, or ~/.histcache.
func BaseDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".histcache")
}

// ConfigPath is shared by all sessions.
func ConfigPath() string { return filepath.Join(BaseDir(), "config.toml") }

// Dir is the root of one session's files.
func Dir(name string) string { return filepath.Join(BaseDir(), "sessions", name) }

func SocketPath(name string) string  { return filepath.Join(Dir(name), fileSocket) }
func LockPath(name string) string    { return filepath.Join(Dir(name), fileLock) }
func CacheDBPath(name string) string { return filepath.Join(Dir(name), fileCache) }
func EnvPath(name string) string     { return filepath.Join(Dir(name), fileEnv) }
func LogDir(name string) string      { return filepath.Join(Dir(name), dirLogs) }
func LogPath(name string) string     { return filepath.Join(LogDir(name), fileLog) }

// MediaDir is the default download root when [media] output_dir is unset.
func MediaDir(name string) string { return filepath.Join(Dir(name), dirMedia) }

// EnsureDir creates the session tree. The session directory holds the API
// token, so an existing one that others can read is narrowed to 0700.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name), MediaDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	info, err := os.Stat(Dir(name))
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(Dir(name), 0700); err != nil {
			return fmt.Errorf("restrict session dir: %w", err)
		}
	}
	return nil
}
