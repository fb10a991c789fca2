package testutil

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"sb-go/internal/sb"
)

// Epoch is where FixedClock starts: 2024-01-15 10:30:00 UTC, which names
// backups "backup_<src>_20240115_103000".
var Epoch = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// ManualClock is an sb.Clock that only moves when a test moves it.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

var _ sb.Clock = (*ManualClock)(nil)

// FixedClock returns a ManualClock set to Epoch.
func FixedClock() *ManualClock {
	return &ManualClock{now: Epoch}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward, e.g. past the full backup interval.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// SequentialIDs is an sb.IDGenerator yielding Prefix+"1", Prefix+"2", ...
type SequentialIDs struct {
	Prefix string
	n      atomic.Int64
}

var _ sb.IDGenerator = (*SequentialIDs)(nil)

// NewSequentialIDs returns a generator with the "id-" prefix.
func NewSequentialIDs() *SequentialIDs {
	return &SequentialIDs{Prefix: "id-"}
}

func (g *SequentialIDs) New() string {
	return g.Prefix + strconv.FormatInt(g.n.Add(1), 10)
}
