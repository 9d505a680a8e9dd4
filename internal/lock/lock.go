// Package lock provides the cross-process data-directory lock held by the
// daemon and the in-process per-conversation sync lock.
package lock

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Owner identifies the process holding a lock file.
type Owner struct {
	PID     int
	Session string
	Since   time.Time
}

// HeldError is returned when another process holds the session lock.
type HeldError struct {
	Owner
	Path string
}

func (e *HeldError) Error() string {
	msg := fmt.Sprintf("session %q is locked by PID %d", e.Session, e.PID)
	if !e.Since.IsZero() {
		msg += " since " + e.Since.Format(time.RFC3339)
	}
	return msg + " (" + e.Path + ")"
}

// Lock is an acquired lock file. The flock is tied to the open descriptor,
// so a crashed daemon never leaves the session locked.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock at path for session. Only the holder may
// write the session's cache.db and media directory. Returns *HeldError when
// another process holds it.
func Acquire(path, session string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, heldError(path, session)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	owner := Owner{PID: os.Getpid(), Session: session, Since: time.Now().UTC()}
	if err := writeOwner(f, owner); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock owner: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// Inspect reports who holds the lock at path without taking it. It returns
// nil when the file is missing or unlocked.
func Inspect(path string) (*Owner, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	err = tryLock(f)
	if err == nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return nil, nil
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	owner, _ := readOwner(path)
	return &owner, nil
}

// Release drops the lock and removes the file. Safe on a nil or released lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func tryLock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func heldError(path, session string) error {
	owner, _ := readOwner(path)
	if owner.Session == "" {
		owner.Session = session
	}
	return &HeldError{Owner: owner, Path: path}
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\nsession=%s\nsince=%s\n", o.PID, o.Session, o.Since.Format(time.RFC3339))
	return err
}

// readOwner parses the key=value lines written by writeOwner. Unknown keys
// and malformed values are skipped.
func readOwner(path string) (Owner, error) {
	f, err := os.Open(path)
	if err != nil {
		return Owner{}, err
	}
	defer func() { _ = f.Close() }()

	var o Owner
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "session":
			o.Session = value
		case "since":
			o.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o, sc.Err()
}
