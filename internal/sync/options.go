package sync

import (
	"github.com/matheus3301/histcache/internal/media"
)

// CoverageMode selects how cached coverage is derived.
type CoverageMode string

const (
	// CoverageSpan treats everything between the oldest and newest cached
	// record as covered.
	CoverageSpan CoverageMode = "span"
	// CoverageIntervals uses the persisted set of synced intervals.
	CoverageIntervals CoverageMode = "intervals"
)

// Options are the runtime-tunable settings read at the start of each sync.
type Options struct {
	RemoteBatchSize int
	CacheBatchSize  int
	Coverage        CoverageMode
	Policy          media.Policy
	// Repair applies repair semantics to every request.
	Repair bool
}

// DefaultOptions returns batch sizes of 100, span coverage and unrestricted
// downloads.
func DefaultOptions() Options {
	return Options{
		RemoteBatchSize: 100,
		CacheBatchSize:  100,
		Coverage:        CoverageSpan,
		Policy:          media.AllowAll(),
	}
}

func (o Options) normalized() Options {
	if o.RemoteBatchSize <= 0 {
		o.RemoteBatchSize = 100
	}
	if o.CacheBatchSize <= 0 {
		o.CacheBatchSize = 100
	}
	if o.Coverage == "" {
		o.Coverage = CoverageSpan
	}
	return o
}
