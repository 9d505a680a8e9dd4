// Package media decides which attachments are downloaded and fetches their
// bytes into the account's media directory.
package media

import (
	"github.com/matheus3301/histcache/internal/remote"
)

// Reason explains why an attachment has no local location.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonDisabled Reason = "download_disabled"
	ReasonTooLarge Reason = "skipped_by_size_limit"
	ReasonKind     Reason = "skipped_by_file_type"
	ReasonFailed   Reason = "download_failed"
)

// Policy is the size and kind filter applied before any download.
type Policy struct {
	Enabled bool
	// MaxBytes of zero means unlimited.
	MaxBytes int64
	// Kinds is the allow-list. A nil map allows every kind.
	Kinds map[remote.MediaKind]bool
}

// AllowAll returns a policy that downloads everything.
func AllowAll() Policy {
	return Policy{Enabled: true}
}

// Evaluate returns ReasonNone when m may be downloaded.
func (p Policy) Evaluate(m *remote.Media) Reason {
	if !p.Enabled {
		return ReasonDisabled
	}
	if p.MaxBytes > 0 && m.Size > p.MaxBytes {
		return ReasonTooLarge
	}
	if p.Kinds != nil && m.Kind != "" && !p.Kinds[m.Kind] {
		return ReasonKind
	}
	return ReasonNone
}
