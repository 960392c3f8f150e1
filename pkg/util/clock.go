package util

import (
	"sync"
	"time"
)

// Clock is the time source of the ledger and the exchange. Validity windows
// and escrow hold times are read from it in Unix milliseconds.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// ManualClock only moves when told to
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// UnixMillis is the ledger's time unit
func UnixMillis(c Clock) int64 { return c.Now().UnixMilli() }
