// Package follow coordinates the change data capture services: receive,
// transform, and apply. A small state machine decides which services run
// and when the pipeline is allowed to catch up or go live.
package follow

import (
	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgclone/pkg/lsn"
)

// Mode is the leader's current operating mode.
type Mode string

const (
	// ModeInit picks the starting mode from the sentinel.
	ModeInit Mode = "init"
	// ModePrefetch receives and transforms but does not touch the target.
	ModePrefetch Mode = "prefetch"
	// ModeCatchup additionally replays the transformed backlog.
	ModeCatchup Mode = "catchup"
	// ModeReplay is the steady state: backlog is gone, changes apply as
	// they arrive.
	ModeReplay Mode = "replay"
	// ModeFinished means endpos was reached and everything is applied.
	ModeFinished Mode = "finished"
)

// Back-pressure thresholds, measured in WAL segments between the received
// and the replayed position. Falling behind flips replay back to catchup;
// an empty backlog promotes catchup to replay.
const (
	backlogHigh = 2
	backlogLow  = 1
)

// Status is the snapshot the transition function decides on.
type Status struct {
	ApplyEnabled    bool   // sentinel apply flag
	EndposReached   bool   // receiver consumed WAL up to endpos
	ReplayDone      bool   // applier consumed the endpos marker
	BacklogSegments uint64 // segment distance between write and replay LSNs
}

// BacklogSegments measures how many WAL segments the applied position lags
// the received position.
func BacklogSegments(write, replay pglogrepl.LSN) uint64 {
	w := lsn.SegmentNo(write)
	r := lsn.SegmentNo(replay)
	if w <= r {
		return 0
	}
	return w - r
}

// ComputeTransition returns the mode to run next. It returns the current
// mode when nothing has to change.
func ComputeTransition(m Mode, st Status) Mode {
	switch m {
	case ModeInit:
		if st.ApplyEnabled {
			return ModeCatchup
		}
		return ModePrefetch

	case ModePrefetch:
		if st.ApplyEnabled {
			return ModeCatchup
		}
		if st.EndposReached {
			// Nothing left to receive and apply is off; the files are on
			// disk for a later catchup.
			return ModeFinished
		}

	case ModeCatchup:
		if !st.ApplyEnabled {
			return ModePrefetch
		}
		if st.ReplayDone {
			return ModeFinished
		}
		if st.BacklogSegments < backlogLow && !st.EndposReached {
			return ModeReplay
		}

	case ModeReplay:
		if !st.ApplyEnabled {
			return ModePrefetch
		}
		if st.ReplayDone {
			return ModeFinished
		}
		if st.BacklogSegments > backlogHigh {
			return ModeCatchup
		}
	}
	return m
}
