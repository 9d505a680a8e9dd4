package store

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the account-owned cache.db: conversations, messages, payloads and
// the coverage rows that say which time ranges are complete.
type DB struct {
	*sql.DB
}

// Open opens or creates the cache at path and verifies the connection.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache %s: %w", path, err)
	}
	return &DB{db}, nil
}

// dsn enables WAL so readers can stream while a batch commits, and takes the
// write lock at BEGIN so two batch commits never deadlock on lock upgrade.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}
