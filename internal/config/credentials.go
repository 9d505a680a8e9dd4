package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

const (
	EnvAPIToken = "HISTCACHE_API_TOKEN"
	EnvAPIURL   = "HISTCACHE_API_URL"
)

// Credentials authenticate against the remote history API.
type Credentials struct {
	BaseURL string
	Token   string
}

// LoadCredentials reads the API credentials from the environment after
// loading any of the given .env files that exist. Variables already set in
// the process environment win. HISTCACHE_API_URL overrides remote.base_url.
func LoadCredentials(cfg *Config, envFiles ...string) (Credentials, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, err
		}
	}
	c := Credentials{
		BaseURL: cfg.Remote.BaseURL,
		Token:   os.Getenv(EnvAPIToken),
	}
	if u := os.Getenv(EnvAPIURL); u != "" {
		c.BaseURL = u
	}
	return c, nil
}
