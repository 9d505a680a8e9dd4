package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Factory opens a source for one account.
type Factory func(ctx context.Context, account string) (Source, error)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("source pool closed")

// Pool hands out one live Source per account identity. Sources idle for longer
// than the pool's TTL are closed by Sweep. All calls through a pooled source
// share the account's rate-limit gate, so a throttle seen by one caller holds
// back every other caller of the same account.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	factory Factory
	idleTTL time.Duration
	logger  *zap.Logger
	closed  bool
}

type poolEntry struct {
	src      Source
	gate     *gate
	refs     int
	lastUsed time.Time
}

// NewPool creates a pool. A zero idleTTL keeps sources until Close.
func NewPool(factory Factory, idleTTL time.Duration, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		entries: make(map[string]*poolEntry),
		factory: factory,
		idleTTL: idleTTL,
		logger:  logger,
	}
}

// Acquire returns the account's source and a release func that must be called
// once the caller is done with it. The factory runs without the pool lock, so
// a slow connect for one account does not hold up the others; when two callers
// race to open the same account, the loser's source is closed.
func (p *Pool) Acquire(ctx context.Context, account string) (Source, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrPoolClosed
	}
	e, ok := p.entries[account]
	if ok {
		e.refs++
		e.lastUsed = time.Now()
	}
	p.mu.Unlock()

	if !ok {
		var err error
		if e, err = p.open(ctx, account); err != nil {
			return nil, nil, err
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			p.mu.Lock()
			e.refs--
			e.lastUsed = time.Now()
			p.mu.Unlock()
		})
	}
	return &throttled{src: e.src, gate: e.gate}, release, nil
}

// open builds a source for account and stores it, or adopts the entry another
// caller stored first. The returned entry already counts the caller's ref.
func (p *Pool) open(ctx context.Context, account string) (*poolEntry, error) {
	src, err := p.factory(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("open source for %q: %w", account, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeSource(src, p.logger, account)
		return nil, ErrPoolClosed
	}
	e, raced := p.entries[account]
	if !raced {
		e = &poolEntry{src: src, gate: &gate{}}
		p.entries[account] = e
	}
	e.refs++
	e.lastUsed = time.Now()
	p.mu.Unlock()

	if raced {
		closeSource(src, p.logger, account)
	} else {
		p.logger.Info("remote source opened", zap.String("account", account))
	}
	return e, nil
}

// Sweep closes sources that have been idle longer than the TTL and returns how
// many were evicted.
func (p *Pool) Sweep() int {
	if p.idleTTL <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	cutoff := time.Now().Add(-p.idleTTL)
	for account, e := range p.entries {
		if e.refs > 0 || e.lastUsed.After(cutoff) {
			continue
		}
		closeSource(e.src, p.logger, account)
		delete(p.entries, account)
		evicted++
	}
	return evicted
}

// Run sweeps periodically until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	if p.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(p.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.logger.Info("idle remote sources closed", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close closes every pooled source.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for account, e := range p.entries {
		closeSource(e.src, p.logger, account)
		delete(p.entries, account)
	}
	return nil
}

func closeSource(src Source, logger *zap.Logger, account string) {
	if c, ok := src.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("close remote source", zap.String("account", account), zap.Error(err))
		}
	}
}

// gate holds calls back until a signalled rate limit has elapsed.
type gate struct {
	mu    sync.Mutex
	until time.Time
}

func (g *gate) block(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t := time.Now().Add(d); t.After(g.until) {
		g.until = t
	}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	d := time.Until(g.until)
	g.mu.Unlock()
	return Sleep(ctx, d)
}

func (g *gate) observe(err error) {
	if wait, ok := RetryAfter(err); ok {
		g.block(wait)
	}
}

// throttled routes every call through the account gate.
type throttled struct {
	src  Source
	gate *gate
}

func (t *throttled) Messages(ctx context.Context, conversationID int64, opts ListOptions) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		if err := t.gate.wait(ctx); err != nil {
			yield(nil, err)
			return
		}
		for msg, err := range t.src.Messages(ctx, conversationID, opts) {
			if err != nil {
				t.gate.observe(err)
			}
			if !yield(msg, err) {
				return
			}
		}
	}
}

func (t *throttled) ResolveSender(ctx context.Context, msg *Message) (*Sender, error) {
	if err := t.gate.wait(ctx); err != nil {
		return nil, err
	}
	s, err := t.src.ResolveSender(ctx, msg)
	t.gate.observe(err)
	return s, err
}

func (t *throttled) Download(ctx context.Context, msg *Message, dest string) (string, error) {
	if err := t.gate.wait(ctx); err != nil {
		return "", err
	}
	path, err := t.src.Download(ctx, msg, dest)
	t.gate.observe(err)
	return path, err
}

func (t *throttled) Conversation(ctx context.Context, conversationID int64) (*Conversation, error) {
	info, ok := t.src.(ConversationInfo)
	if !ok {
		return nil, nil
	}
	if err := t.gate.wait(ctx); err != nil {
		return nil, err
	}
	c, err := info.Conversation(ctx, conversationID)
	t.gate.observe(err)
	return c, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
