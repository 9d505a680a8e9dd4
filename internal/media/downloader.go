package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/histcache/internal/remote"
)

// Status is the outcome of one attachment.
type Status string

const (
	StatusDownloaded Status = "downloaded"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Result describes what happened to one attachment.
type Result struct {
	Status Status
	Path   string
	Reason Reason
	Detail string
}

// Downloader writes attachments to <Root>/<conversation>/media/<id>-<name>.
type Downloader struct {
	Root     string
	Attempts int
	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration
	// Sleep waits between attempts. Tests replace it to record delays.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

// NewDownloader creates a downloader with 3 attempts and a 1s base backoff.
func NewDownloader(root string, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		Root:     root,
		Attempts: 3,
		Backoff:  time.Second,
		Sleep:    remote.Sleep,
		Logger:   logger,
	}
}

// Dir returns the media directory of a conversation.
func (d *Downloader) Dir(conversationID int64) string {
	return filepath.Join(d.Root, strconv.FormatInt(conversationID, 10), "media")
}

// FileName derives the stored name of msg's attachment.
func FileName(msg *remote.Message) string {
	ext := strings.TrimPrefix(msg.Media.Ext, ".")
	name := filepath.Base(msg.Media.FileName)
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}
	switch {
	case name != "":
	case msg.Media.Kind == remote.KindPhoto:
		name, ext = "photo.jpg", "jpg"
	default:
		if ext == "" {
			ext = "bin"
		}
		name = "document." + ext
	}
	if ext == "" {
		ext = "bin"
	}
	suffix := filepath.Ext(name)
	stem := strings.TrimSuffix(name, suffix)
	if suffix == "" {
		suffix = "." + ext
	}
	return fmt.Sprintf("%d-%s%s", msg.ID, stem, suffix)
}

// Fetch applies policy to msg's attachment and downloads it when allowed. A
// previously downloaded file is reused unless force is set. The error is
// non-nil only when ctx ends; download failures are reported in the Result.
func (d *Downloader) Fetch(ctx context.Context, src remote.Source, msg *remote.Message, policy Policy, force bool) (Result, error) {
	if msg.Media == nil || msg.Media.WebPage {
		return Result{Status: StatusSkipped}, nil
	}

	dir := d.Dir(msg.ConversationID)
	existing, _ := filepath.Glob(filepath.Join(dir, strconv.FormatInt(msg.ID, 10)+"-*"))
	if len(existing) > 0 {
		if !force {
			return Result{Status: StatusDownloaded, Path: existing[0]}, nil
		}
		for _, p := range existing {
			_ = os.Remove(p)
		}
	}

	if reason := policy.Evaluate(msg.Media); reason != ReasonNone {
		d.Logger.Debug("attachment skipped",
			zap.Int64("conversation", msg.ConversationID),
			zap.Int64("msg_id", msg.ID),
			zap.String("reason", string(reason)),
			zap.Int64("size", msg.Media.Size),
			zap.String("kind", string(msg.Media.Kind)),
		)
		return Result{Status: StatusSkipped, Reason: reason}, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return Result{Status: StatusFailed, Reason: ReasonFailed, Detail: err.Error()}, nil
	}
	dest := filepath.Join(dir, FileName(msg))

	attempts := max(d.Attempts, 1)
	var lastErr error
	for attempt := range attempts {
		path, err := src.Download(ctx, msg, dest)
		if err == nil {
			if _, statErr := os.Stat(path); statErr != nil {
				return Result{Status: StatusFailed, Reason: ReasonFailed, Detail: "download returned no file"}, nil
			}
			return Result{Status: StatusDownloaded, Path: path}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}

		delay := d.Backoff << attempt
		if wait, ok := remote.RetryAfter(err); ok {
			delay = wait
		}
		d.Logger.Warn("attachment download failed, retrying",
			zap.Int64("msg_id", msg.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := d.Sleep(ctx, delay); err != nil {
			return Result{}, err
		}
	}
	return Result{Status: StatusFailed, Reason: ReasonFailed, Detail: lastErr.Error()}, nil
}
