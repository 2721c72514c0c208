package worker

import (
	"sync/atomic"
	"time"
)

// Heartbeat is a progress signal shared between an executor and the
// watchdog. An executor that never beats reads as always active, so
// only the hard timeout can stop it.
type Heartbeat struct {
	last  atomic.Int64 // unix nanos of the most recent beat
	beats atomic.Int64
}

func NewHeartbeat() *Heartbeat {
	return &Heartbeat{}
}

// Beat records forward progress.
func (h *Heartbeat) Beat() {
	if h == nil {
		return
	}
	h.last.Store(time.Now().UnixNano())
	h.beats.Add(1)
}

// Last returns the time of the most recent beat and whether any beat
// has been recorded at all.
func (h *Heartbeat) Last() (time.Time, bool) {
	if h == nil {
		return time.Time{}, false
	}
	if h.beats.Load() == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, h.last.Load()), true
}

// Beats returns the total number of beats recorded.
func (h *Heartbeat) Beats() int64 {
	if h == nil {
		return 0
	}
	return h.beats.Load()
}
