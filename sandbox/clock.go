package sandbox

import (
	"encoding/binary"
	"time"
)

// clock is a deterministic stand-in for the wall and monotonic clocks. Each
// read advances it by one microsecond.
type clock struct {
	epoch time.Time
	wall  int64
	mono  int64
}

func newClock(epoch time.Time) *clock {
	if epoch.IsZero() {
		epoch = time.Unix(0, 0)
	}
	return &clock{epoch: epoch}
}

func (c *clock) walltime() (sec int64, nsec int32) {
	c.wall++
	t := c.epoch.Add(time.Duration(c.wall) * time.Microsecond)
	return t.Unix(), int32(t.Nanosecond())
}

func (c *clock) nanotime() int64 {
	c.mono++
	return c.mono * int64(time.Microsecond)
}

func seedBytes(seed uint64) [32]byte {
	var s [32]byte
	binary.LittleEndian.PutUint64(s[:8], seed)
	return s
}
