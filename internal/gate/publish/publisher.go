// Package publish delivers per-frame snapshots to observers with
// newest-wins semantics: a slow consumer sees the latest snapshot, and
// the frame loop is never blocked.
package publish

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/sentryline/gatewatch/internal/gate"
)

var logger *log.Logger

// SetLogWriter configures diagnostics for the publish package. Pass nil
// to disable.
func SetLogWriter(w io.Writer) {
	if w == nil {
		logger = nil
		return
	}
	logger = log.New(w, "[publish] ", log.LstdFlags|log.Lmicroseconds)
}

func logf(format string, args ...interface{}) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// Publisher buffers the single most recent snapshot per stream. Publish
// replaces any pending snapshot instead of blocking; replaced snapshots
// count as drops.
type Publisher struct {
	ch chan gate.Snapshot

	published atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64

	lastStatsLog atomic.Int64
}

// NewPublisher creates a publisher.
func NewPublisher() *Publisher {
	return &Publisher{ch: make(chan gate.Snapshot, 1)}
}

// Publish hands a snapshot to the observer side. Never blocks: if the
// previous snapshot was not yet consumed it is discarded.
func (p *Publisher) Publish(s gate.Snapshot) {
	p.published.Add(1)
	for {
		select {
		case p.ch <- s:
			p.maybeLogStats()
			return
		default:
		}
		select {
		case <-p.ch:
			p.dropped.Add(1)
		default:
		}
	}
}

// Next blocks until a snapshot is available or ctx is cancelled.
func (p *Publisher) Next(ctx context.Context) (gate.Snapshot, error) {
	select {
	case <-ctx.Done():
		return gate.Snapshot{}, ctx.Err()
	case s := <-p.ch:
		p.delivered.Add(1)
		return s, nil
	}
}

// TryNext returns the pending snapshot without blocking.
func (p *Publisher) TryNext() (gate.Snapshot, bool) {
	select {
	case s := <-p.ch:
		p.delivered.Add(1)
		return s, true
	default:
		return gate.Snapshot{}, false
	}
}

// Stats returns lifetime publish, drop, and delivery counts.
func (p *Publisher) Stats() (published, dropped, delivered uint64) {
	return p.published.Load(), p.dropped.Load(), p.delivered.Load()
}

// maybeLogStats reports drop rates at most every five seconds.
func (p *Publisher) maybeLogStats() {
	now := time.Now().UnixNano()
	last := p.lastStatsLog.Load()
	if now-last < int64(5*time.Second) {
		return
	}
	if !p.lastStatsLog.CompareAndSwap(last, now) {
		return
	}
	pub, drop, del := p.Stats()
	if drop > 0 {
		logf("snapshots published=%d delivered=%d dropped=%d", pub, del, drop)
	}
}
