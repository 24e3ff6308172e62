// Package recovery implements the coordinator a restarting task runs to
// stitch its predecessor's determinant history back together. Downstream
// peers each report the mirror they hold of the failed vertex's causal
// log; since every report is a prefix of the same append order, the
// longest one dominates, and the coordinator streams its decoded
// determinants to the execution driver one by one.
package recovery

import (
	"log/slog"
	"time"

	"github.com/otterstream/causal-recovery/internal/causal/determinant"
	"github.com/otterstream/causal-recovery/internal/events"
)

// Coordinator collects determinant responses and streams the decoded
// determinants of the most complete report.
//
// Concurrency: the coordinator is driven from the network-event thread
// only; ProcessResponse and PopNext are externally serialized.
type Coordinator struct {
	encoding determinant.EncodingStrategy
	logger   *slog.Logger

	expectedResponses int
	receivedResponses int

	best   []byte
	cursor *determinant.Cursor
	next   determinant.Determinant

	recovering bool
	started    time.Time

	// ready is closed when all expected responses have arrived,
	// unblocking the execution driver waiting on output channel
	// connections.
	ready chan struct{}

	// onRecovered, when set, observes the duration of each completed
	// recovery.
	onRecovered func(seconds float64)
}

// NewCoordinator creates a coordinator expecting one response per
// downstream channel.
func NewCoordinator(numDownstreamChannels int, encoding determinant.EncodingStrategy, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		encoding:          encoding,
		logger:            logger,
		expectedResponses: numDownstreamChannels,
	}
	c.reset()
	return c
}

// SetRecoveredObserver installs a hook called with the recovery duration
// in seconds every time the determinant stream is exhausted.
func (c *Coordinator) SetRecoveredObserver(fn func(seconds float64)) {
	c.onRecovered = fn
}

func (c *Coordinator) reset() {
	c.recovering = false
	c.receivedResponses = 0
	c.best = nil
	c.cursor = nil
	c.next = nil
	c.ready = make(chan struct{})
}

// Ready returns a channel closed once every expected response arrived.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

// IsRecovering reports whether a decoded determinant stream is active.
func (c *Coordinator) IsRecovering() bool {
	return c.recovering
}

// ReceivedResponses returns how many responses arrived so far.
func (c *Coordinator) ReceivedResponses() int {
	return c.receivedResponses
}

// BestLength returns the size of the most complete report seen so far.
func (c *Coordinator) BestLength() int {
	return len(c.best)
}

// ProcessResponse folds one determinant response in. When the last
// expected response arrives, the coordinator completes the ready future,
// opens a decode cursor over the most complete report, prefetches the
// first determinant, and enters the recovering state.
func (c *Coordinator) ProcessResponse(resp *events.DeterminantResponseEvent) error {
	if c.receivedResponses == 0 {
		c.started = time.Now()
	}

	received := flattenDelta(resp)
	if len(received) > len(c.best) {
		c.best = received
	}
	c.receivedResponses++
	c.logger.Debug("determinant response received",
		"responses", c.receivedResponses, "expected", c.expectedResponses,
		"responseBytes", len(received), "bestBytes", len(c.best))

	if c.receivedResponses < c.expectedResponses {
		return nil
	}

	c.cursor = determinant.NewCursor(c.best)
	next, err := c.encoding.DecodeNext(c.cursor)
	if err != nil {
		return err
	}
	c.next = next
	c.recovering = true
	close(c.ready)

	if c.next == nil {
		// An empty history is a valid recovery: nothing to replay.
		c.finish()
	}
	return nil
}

// PopNext returns the prefetched determinant and prefetches the next one.
// When the stream ends the coordinator resets and leaves the recovering
// state.
func (c *Coordinator) PopNext() (determinant.Determinant, error) {
	toReturn := c.next
	next, err := c.encoding.DecodeNext(c.cursor)
	if err != nil {
		return nil, err
	}
	c.next = next
	if c.next == nil {
		c.finish()
	}
	return toReturn, nil
}

// PeekNext returns the prefetched determinant without consuming it.
func (c *Coordinator) PeekNext() determinant.Determinant {
	return c.next
}

// HasMore reports whether the stream still holds determinants.
func (c *Coordinator) HasMore() bool {
	return c.next != nil
}

func (c *Coordinator) finish() {
	elapsed := time.Since(c.started).Seconds()
	c.logger.Info("determinant recovery complete", "seconds", elapsed)
	if c.onRecovered != nil {
		c.onRecovered(elapsed)
	}
	c.reset()
}

// flattenDelta lays a response's log bytes out in the canonical order:
// the main-thread delta first, then every subpartition delta sorted by
// partition and subpartition. Every reporter flattens identically, so
// prefix dominance carries over from the per-thread logs.
func flattenDelta(resp *events.DeterminantResponseEvent) []byte {
	d := resp.Delta
	var out []byte
	if d.MainDelta != nil {
		out = append(out, d.MainDelta.Bytes...)
	}
	for _, p := range d.Partitions {
		for _, s := range p.Subpartitions {
			out = append(out, s.Bytes...)
		}
	}
	return out
}
