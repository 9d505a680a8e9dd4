package session

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/matheus3301/histcache/internal/config"
)

// DefaultName is used when neither a flag, the environment nor the config
// file names a session.
const DefaultName = "main"

// EnvSession overrides the config file's default_session.
const EnvSession = "HISTCACHE_SESSION"

// ErrInvalidName is wrapped by every session name rejection.
var ErrInvalidName = errors.New("invalid session name")

// A session name doubles as the account key for the remote pool and as a
// directory name, so it is kept to a conservative charset.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// CheckName reports whether name can be used as a session.
func CheckName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w %q: use 1-64 of [a-z0-9_-], starting with a letter or digit", ErrInvalidName, name)
	}
	return nil
}

// Resolve picks the active session: the --session flag, then $HISTCACHE_SESSION,
// then default_session from config.toml, then DefaultName. The result is
// checked with CheckName.
func Resolve(flagValue string) (string, error) {
	name, err := pick(flagValue)
	if err != nil {
		return "", err
	}
	if err := CheckName(name); err != nil {
		return "", err
	}
	return name, nil
}

func pick(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(EnvSession); env != "" {
		return env, nil
	}
	cfg, err := config.LoadOrDefault(ConfigPath())
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	if cfg.DefaultSession != "" {
		return cfg.DefaultSession, nil
	}
	return DefaultName, nil
}
