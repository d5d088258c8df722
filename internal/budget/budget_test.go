package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func TestLimitsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultLimits().Validate())

	l := DefaultLimits()
	l.MaxSerpCalls = -1
	require.ErrorIs(t, l.Validate(), ErrInvalidLimits)

	l = DefaultLimits()
	l.MaxWallClock = 0
	require.ErrorIs(t, l.Validate(), ErrInvalidLimits)

	_, err := New("s", Limits{MaxTotalBytes: -5, MaxWallClock: time.Second}, newClock())
	require.ErrorIs(t, err, ErrInvalidLimits)
}

func TestReserveSerpCall_StopsAtLimit(t *testing.T) {
	t.Parallel()

	b, err := New("s1", Limits{MaxSerpCalls: 2, MaxWallClock: time.Minute}, newClock())
	require.NoError(t, err)

	require.True(t, b.ReserveSerpCall())
	require.True(t, b.ReserveSerpCall())
	require.False(t, b.ReserveSerpCall())
	require.Equal(t, 2, b.Snapshot().SerpCalls)
	require.Equal(t, StopSerpExhausted, b.StopReason())
	require.True(t, b.SerpExhausted())
}

func TestReserveSerpCall_ZeroLimit(t *testing.T) {
	t.Parallel()

	b, err := New("s0", Limits{MaxWallClock: time.Minute}, newClock())
	require.NoError(t, err)
	require.False(t, b.ReserveSerpCall())
	require.False(t, b.ReserveDocumentFetch())
	require.Zero(t, b.Snapshot().SerpCalls)
}

func TestReserve_FailsAfterWallClock(t *testing.T) {
	t.Parallel()

	clock := newClock()
	b, err := New("s2", Limits{MaxSerpCalls: 5, MaxDocumentFetches: 5, MaxWallClock: time.Second}, clock)
	require.NoError(t, err)
	require.True(t, b.HasWallClockBudget())

	clock.Advance(time.Second)
	require.False(t, b.HasWallClockBudget())
	require.False(t, b.ReserveSerpCall())
	require.False(t, b.ReserveDocumentFetch())
	require.Equal(t, StopWallClock, b.StopReason())
	require.Zero(t, b.Snapshot().SerpCalls)
}

func TestRecordBytes_SaturatesAtCeiling(t *testing.T) {
	t.Parallel()

	b, err := New("s3", Limits{MaxTotalBytes: 100, MaxWallClock: time.Minute}, newClock())
	require.NoError(t, err)

	require.True(t, b.CanConsumeBytes(60))
	require.True(t, b.RecordBytes(60))
	require.False(t, b.CanConsumeBytes(41))
	require.Equal(t, int64(40), b.RemainingBytes())

	require.False(t, b.RecordBytes(50))
	require.Equal(t, int64(100), b.Snapshot().TotalBytes)
	require.Equal(t, StopBytesExhausted, b.StopReason())
	require.True(t, b.RecordBytes(0))
}

func TestStopReason_FirstWins(t *testing.T) {
	t.Parallel()

	clock := newClock()
	b, err := New("s4", Limits{MaxSerpCalls: 0, MaxWallClock: time.Second}, clock)
	require.NoError(t, err)
	require.False(t, b.ReserveSerpCall())
	clock.Advance(2 * time.Second)
	require.False(t, b.HasWallClockBudget())
	require.Equal(t, StopSerpExhausted, b.StopReason())
}

func TestConcurrentReservationsNeverExceedLimits(t *testing.T) {
	t.Parallel()

	const (
		maxSerp  = 17
		maxDocs  = 5
		maxBytes = 10_000
		workers  = 64
	)
	b, err := New("s5", Limits{
		MaxSerpCalls:       maxSerp,
		MaxDocumentFetches: maxDocs,
		MaxTotalBytes:      maxBytes,
		MaxWallClock:       time.Minute,
	}, newClock())
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		serpOK    int
		docsOK    int
		bytesSeen int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				s := b.ReserveSerpCall()
				d := b.ReserveDocumentFetch()
				r := b.RecordBytes(37)
				mu.Lock()
				if s {
					serpOK++
				}
				if d {
					docsOK++
				}
				if r {
					bytesSeen += 37
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	snap := b.Snapshot()
	require.Equal(t, maxSerp, serpOK)
	require.Equal(t, maxSerp, snap.SerpCalls)
	require.Equal(t, maxDocs, docsOK)
	require.Equal(t, maxDocs, snap.DocumentFetches)
	require.LessOrEqual(t, snap.TotalBytes, int64(maxBytes))
	require.LessOrEqual(t, bytesSeen, snap.TotalBytes)
}
