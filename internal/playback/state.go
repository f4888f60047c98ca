// Package playback holds the replicated room state and the reconciliation
// engine that is the only code allowed to change it.
package playback

import (
	"math"

	"github.com/x1erra/xierraxyz/internal/protocol"
)

// DriftThreshold is how far a local player may drift from the shared
// playhead before a consumer should seek.
const DriftThreshold = 2.0

// RoomState is one peer's mirror of the shared playback state. An empty
// CurrentVideoURL means nothing is loaded.
type RoomState struct {
	Queue           []string
	CurrentVideoURL string
	IsPlaying       bool
	PlayheadSeconds float64
}

// HasCurrent reports whether a video is loaded.
func (s RoomState) HasCurrent() bool {
	return s.CurrentVideoURL != ""
}

// Meaningful reports whether the state is worth handing to other peers.
// An idle peer never answers or pushes snapshots, so it cannot clobber a
// peer that has real state.
func (s RoomState) Meaningful() bool {
	return len(s.Queue) > 0 || s.IsPlaying
}

// Equal compares all replicated fields. A nil and an empty queue are equal.
func (s RoomState) Equal(o RoomState) bool {
	if s.CurrentVideoURL != o.CurrentVideoURL || s.IsPlaying != o.IsPlaying || s.PlayheadSeconds != o.PlayheadSeconds {
		return false
	}
	if len(s.Queue) != len(o.Queue) {
		return false
	}
	for i := range s.Queue {
		if s.Queue[i] != o.Queue[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy whose queue does not alias s.
func (s RoomState) Clone() RoomState {
	out := s
	out.Queue = cloneQueue(s.Queue)
	return out
}

// Snapshot converts the state to its SYNC_STATE payload.
func (s RoomState) Snapshot() protocol.Snapshot {
	snap := protocol.Snapshot{
		Queue:           make([]string, len(s.Queue)),
		IsPlaying:       s.IsPlaying,
		PlayheadSeconds: s.PlayheadSeconds,
	}
	copy(snap.Queue, s.Queue)
	if s.HasCurrent() {
		u := s.CurrentVideoURL
		snap.CurrentVideoURL = &u
	}
	return snap
}

// FromSnapshot builds a state equal to snap in every replicated field.
func FromSnapshot(snap protocol.Snapshot) RoomState {
	s := RoomState{
		Queue:           cloneQueue(snap.Queue),
		IsPlaying:       snap.IsPlaying,
		PlayheadSeconds: snap.PlayheadSeconds,
	}
	if snap.CurrentVideoURL != nil {
		s.CurrentVideoURL = *snap.CurrentVideoURL
	}
	return s
}

// NeedsSeek reports whether a player at local seconds should jump to the
// shared playhead at remote seconds.
func NeedsSeek(local, remote float64) bool {
	return math.Abs(local-remote) > DriftThreshold
}

func cloneQueue(q []string) []string {
	if len(q) == 0 {
		return nil
	}
	out := make([]string, len(q))
	copy(out, q)
	return out
}
