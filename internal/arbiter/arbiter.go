// Package arbiter implements the process-wide mode arbitration cell shared
// between the downstream controller and the upstream session. It accumulates
// mode bits written by the upstream session, debounces them over a short
// quiet window, and latches a composite mode the downstream controller polls
// to decide which mission to load.
package arbiter

import (
	"math"
	"os"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"sapient-bridge/internal/missionfile"
)

// ModeAccumulation is the quiet period required before the accumulator is
// copied into the latched mode.
const ModeAccumulation = 1000 * time.Millisecond

// Arbiter is safe for concurrent use: SetMode is written by the upstream
// session, Mode is read by the downstream controller, and neither needs any
// lock beyond the atomics below. A torn read of lastSetNano is benign since
// the debounce window is a heuristic, not a hard ordering guarantee.
type Arbiter struct {
	accumulator uint32 // atomic
	latched     uint32 // atomic
	lastSetNano int64  // atomic, unix nanoseconds
}

// New creates an arbiter with the initial latched value UINT32_MAX, so the
// first computed composite differs from it and produces a log entry.
func New() *Arbiter {
	a := &Arbiter{
		latched: math.MaxUint32,
	}
	return a
}

// SetMode folds a task's mode value into the accumulator. A value of 0
// clears the mask; values 1..7 set bit (m-1); larger values are ignored
// entirely.
func (a *Arbiter) SetMode(m int32) {
	switch {
	case m == 0:
		atomic.StoreUint32(&a.accumulator, 0)
	case m > 0 && m <= 7:
		for {
			old := atomic.LoadUint32(&a.accumulator)
			next := old | (1 << uint32(m-1))
			if atomic.CompareAndSwapUint32(&a.accumulator, old, next) {
				break
			}
		}
	default:
		return
	}
	atomic.StoreInt64(&a.lastSetNano, time.Now().UnixNano())
}

// Mode returns the latched composite mode, lazily refreshing it from the
// accumulator once the accumulator has been quiescent for ModeAccumulation.
func (a *Arbiter) Mode() uint32 {
	lastSet := time.Unix(0, atomic.LoadInt64(&a.lastSetNano))
	if time.Since(lastSet) >= ModeAccumulation {
		next := atomic.LoadUint32(&a.accumulator)
		prev := atomic.LoadUint32(&a.latched)
		if next != prev {
			log.Infof("mode arbiter: changing composite mode to 0x%02x", next)
		}
		atomic.StoreUint32(&a.latched, next)
		return next
	}
	return atomic.LoadUint32(&a.latched)
}

// MissionName returns the mission name selected by the given composite mode.
func (a *Arbiter) MissionName(mode uint32) string {
	return missionfile.Name(mode)
}

// MissionPath returns the mission file path selected by the given composite mode.
func (a *Arbiter) MissionPath(mode uint32) string {
	return missionfile.Path(mode)
}

// CheckMissionFiles enumerates modes 0..127, resolves each to a path, and
// warns for every path that does not exist on disk. Diagnostic only;
// absence does not abort startup.
func CheckMissionFiles() {
	for mode, path := range missionfile.AllPaths() {
		if _, err := os.Stat(path); err != nil {
			log.Warnf("mission file not found: %s (mode 0x%02x)", path, mode)
		}
	}
}
