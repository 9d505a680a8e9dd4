package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	t.Setenv("HISTCACHE_HOME", "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".histcache", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestBaseDirOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv("HISTCACHE_HOME", base)
	if got := Dir("main"); got != filepath.Join(base, "sessions", "main") {
		t.Errorf("Dir(main) = %q, want under %q", got, base)
	}
}

func TestSessionFiles(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"socket", SocketPath("test"), filepath.Join("sessions", "test", "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join("sessions", "test", "LOCK")},
		{"cache", CacheDBPath("test"), filepath.Join("sessions", "test", "cache.db")},
		{"media", MediaDir("test"), filepath.Join("sessions", "test", "media")},
		{"log", LogPath("test"), filepath.Join("sessions", "test", "logs", "histcached.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.want) {
				t.Errorf("%s = %q, want suffix %s", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("HISTCACHE_HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	for _, dir := range []string{Dir("test"), LogDir("test"), MediaDir("test")} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("%s not created: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", dir, perm)
		}
	}
}

func TestEnsureDirNarrowsPermissions(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())
	if err := os.MkdirAll(Dir("open"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(Dir("open"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := EnsureDir("open"); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	info, err := os.Stat(Dir("open"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("session dir permission = %o, want 0700", perm)
	}
}
