package playback

import "github.com/x1erra/xierraxyz/internal/protocol"

// Apply returns the state that results from applying a to s. It is pure:
// s is never modified and the result shares no queue memory with it. The
// same function serves local and remote actions.
func Apply(s RoomState, a protocol.Action) RoomState {
	next := s.Clone()

	switch act := a.(type) {
	case protocol.Play:
		// No playback without a loaded item.
		if next.HasCurrent() {
			next.IsPlaying = true
		}
	case protocol.Pause:
		next.IsPlaying = false
	case protocol.Seek:
		next.PlayheadSeconds = act.Time
	case protocol.QueueAdd:
		if !next.HasCurrent() {
			// First item is loaded directly and left paused.
			next.CurrentVideoURL = act.URL
			next.IsPlaying = false
			next.PlayheadSeconds = 0
			break
		}
		next.Queue = append(next.Queue, act.URL)
	case protocol.QueueRemove:
		if act.Index < 0 || act.Index >= len(next.Queue) {
			break
		}
		next.Queue = append(next.Queue[:act.Index], next.Queue[act.Index+1:]...)
		if len(next.Queue) == 0 {
			next.Queue = nil
		}
	case protocol.QueuePlayNext:
		next.PlayheadSeconds = 0
		if len(next.Queue) == 0 {
			next.CurrentVideoURL = ""
			next.IsPlaying = false
			break
		}
		next.CurrentVideoURL = next.Queue[0]
		next.Queue = cloneQueue(next.Queue[1:])
		next.IsPlaying = true
	case protocol.QueueClear:
		next.Queue = nil
	case protocol.SyncState:
		return FromSnapshot(act.State)
	case protocol.SkinChange, protocol.RequestState:
		// Notification only.
	}

	return next
}
