// Package budget tracks the per-session resource limits of a rating search.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
)

// StopReason records which limit ended a session first.
type StopReason string

// Stop reasons.
const (
	StopNone              StopReason = ""
	StopCompleted         StopReason = "completed"
	StopSerpExhausted     StopReason = "serp_budget_exhausted"
	StopDocumentExhausted StopReason = "document_budget_exhausted"
	StopBytesExhausted    StopReason = "byte_budget_exhausted"
	StopWallClock         StopReason = "wall_clock_exhausted"
)

// ErrInvalidLimits is returned when limits are negative or missing.
var ErrInvalidLimits = errors.New("invalid budget limits")

// Limits are the hard ceilings of a session.
type Limits struct {
	MaxSerpCalls       int           `mapstructure:"max_serp_calls"`
	MaxDocumentFetches int           `mapstructure:"max_document_fetches"`
	MaxTotalBytes      int64         `mapstructure:"max_total_bytes"`
	MaxWallClock       time.Duration `mapstructure:"max_wall_clock"`
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		MaxSerpCalls:       24,
		MaxDocumentFetches: 6,
		MaxTotalBytes:      40 << 20,
		MaxWallClock:       45 * time.Second,
	}
}

// Validate rejects negative ceilings and a missing wall clock.
func (l Limits) Validate() error {
	switch {
	case l.MaxSerpCalls < 0:
		return fmt.Errorf("%w: max_serp_calls must be >= 0", ErrInvalidLimits)
	case l.MaxDocumentFetches < 0:
		return fmt.Errorf("%w: max_document_fetches must be >= 0", ErrInvalidLimits)
	case l.MaxTotalBytes < 0:
		return fmt.Errorf("%w: max_total_bytes must be >= 0", ErrInvalidLimits)
	case l.MaxWallClock <= 0:
		return fmt.Errorf("%w: max_wall_clock must be > 0", ErrInvalidLimits)
	}
	return nil
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	SessionID       string
	SerpCalls       int
	DocumentFetches int
	TotalBytes      int64
	Elapsed         time.Duration
	StopReason      StopReason
}

// Budget is a mutex-guarded set of monotonic counters. Counters never exceed
// their limits and a failed reservation leaves every counter untouched.
type Budget struct {
	mu sync.Mutex

	id     string
	limits Limits
	clock  discovery.Clock
	start  time.Time

	serpCalls       int
	documentFetches int
	totalBytes      int64
	stopReason      StopReason
}

// New starts a session budget at the clock's current time.
func New(id string, limits Limits, clock discovery.Clock) (*Budget, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		return nil, errors.New("budget clock is required")
	}
	return &Budget{
		id:     id,
		limits: limits,
		clock:  clock,
		start:  clock.Now(),
	}, nil
}

// ID returns the session identifier.
func (b *Budget) ID() string {
	return b.id
}

// Limits returns the configured ceilings.
func (b *Budget) Limits() Limits {
	return b.limits
}

// Deadline is the wall-clock instant at which the session must stop.
func (b *Budget) Deadline() time.Time {
	return b.start.Add(b.limits.MaxWallClock)
}

// ReserveSerpCall consumes one SERP call if any remain.
func (b *Budget) ReserveSerpCall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.wallClockLocked() {
		return false
	}
	if b.serpCalls >= b.limits.MaxSerpCalls {
		b.stopLocked(StopSerpExhausted)
		return false
	}
	b.serpCalls++
	return true
}

// ReserveDocumentFetch consumes one document fetch if any remain.
func (b *Budget) ReserveDocumentFetch() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.wallClockLocked() {
		return false
	}
	if b.documentFetches >= b.limits.MaxDocumentFetches {
		b.stopLocked(StopDocumentExhausted)
		return false
	}
	b.documentFetches++
	return true
}

// CanConsumeBytes reports whether n more bytes fit in the byte budget.
func (b *Budget) CanConsumeBytes(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return n >= 0 && b.totalBytes+n <= b.limits.MaxTotalBytes
}

// RecordBytes charges n bytes. When n does not fit the counter saturates at the
// ceiling and false is returned so the caller can abort the transfer.
func (b *Budget) RecordBytes(n int64) bool {
	if n <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.totalBytes+n > b.limits.MaxTotalBytes {
		b.totalBytes = b.limits.MaxTotalBytes
		b.stopLocked(StopBytesExhausted)
		return false
	}
	b.totalBytes += n
	return true
}

// RemainingBytes returns how many bytes may still be charged.
func (b *Budget) RemainingBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limits.MaxTotalBytes - b.totalBytes
}

// HasWallClockBudget reports whether the session deadline is still ahead.
func (b *Budget) HasWallClockBudget() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wallClockLocked()
}

// SerpExhausted reports whether no further SERP call can be reserved.
func (b *Budget) SerpExhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serpCalls >= b.limits.MaxSerpCalls || !b.wallClockLocked()
}

// StopReason returns the first limit that was hit, if any.
func (b *Budget) StopReason() StopReason {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopReason
}

// Snapshot copies the counters.
func (b *Budget) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		SessionID:       b.id,
		SerpCalls:       b.serpCalls,
		DocumentFetches: b.documentFetches,
		TotalBytes:      b.totalBytes,
		Elapsed:         b.clock.Now().Sub(b.start),
		StopReason:      b.stopReason,
	}
}

func (b *Budget) wallClockLocked() bool {
	if b.clock.Now().Sub(b.start) < b.limits.MaxWallClock {
		return true
	}
	b.stopLocked(StopWallClock)
	return false
}

func (b *Budget) stopLocked(reason StopReason) {
	if b.stopReason == StopNone {
		b.stopReason = reason
	}
}
