package protocol

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrUnknownAction   = errors.New("unknown action type")
	ErrMalformedAction = errors.New("malformed action")
)

// ActionType is the tag of a SyncAction.
type ActionType string

const (
	ActionPlay          ActionType = "PLAY"
	ActionPause         ActionType = "PAUSE"
	ActionSeek          ActionType = "SEEK"
	ActionQueueAdd      ActionType = "QUEUE_ADD"
	ActionQueueRemove   ActionType = "QUEUE_REMOVE"
	ActionQueuePlayNext ActionType = "QUEUE_PLAY_NEXT"
	ActionQueueClear    ActionType = "QUEUE_CLEAR"
	ActionSkinChange    ActionType = "SKIN_CHANGE"
	ActionRequestState  ActionType = "REQUEST_STATE"
	ActionSyncState     ActionType = "SYNC_STATE"
)

// Skins known to the theatre UI. SKIN_CHANGE accepts any non-empty name.
const (
	SkinTraditional = "traditional"
	SkinModern      = "modern"
	SkinSpace       = "space"
)

// Action is one variant of the SyncAction tagged union.
type Action interface {
	Type() ActionType
}

type Play struct{}

type Pause struct{}

type Seek struct {
	Time float64
}

type QueueAdd struct {
	URL string
}

type QueueRemove struct {
	Index int
}

type QueuePlayNext struct{}

type QueueClear struct{}

type SkinChange struct {
	Skin string
}

type RequestState struct{}

type SyncState struct {
	State Snapshot
}

func (Play) Type() ActionType          { return ActionPlay }
func (Pause) Type() ActionType         { return ActionPause }
func (Seek) Type() ActionType          { return ActionSeek }
func (QueueAdd) Type() ActionType      { return ActionQueueAdd }
func (QueueRemove) Type() ActionType   { return ActionQueueRemove }
func (QueuePlayNext) Type() ActionType { return ActionQueuePlayNext }
func (QueueClear) Type() ActionType    { return ActionQueueClear }
func (SkinChange) Type() ActionType    { return ActionSkinChange }
func (RequestState) Type() ActionType  { return ActionRequestState }
func (SyncState) Type() ActionType     { return ActionSyncState }

// WireAction is the JSON shape of an action. Only the fields belonging to
// Type are set.
type WireAction struct {
	Type  ActionType `json:"type"`
	Time  *float64   `json:"time,omitempty"`
	URL   *string    `json:"url,omitempty"`
	Index *int       `json:"index,omitempty"`
	Skin  *string    `json:"skin,omitempty"`
	State *Snapshot  `json:"state,omitempty"`
}

// ToWire converts an action to its wire form.
func ToWire(a Action) WireAction {
	w := WireAction{Type: a.Type()}
	switch act := a.(type) {
	case Seek:
		t := act.Time
		w.Time = &t
	case QueueAdd:
		u := act.URL
		w.URL = &u
	case QueueRemove:
		i := act.Index
		w.Index = &i
	case SkinChange:
		s := act.Skin
		w.Skin = &s
	case SyncState:
		snap := CloneSnapshot(act.State)
		w.State = &snap
	}
	return w
}

// Action validates the wire form and returns the typed variant.
func (w WireAction) Action() (Action, error) {
	switch w.Type {
	case ActionPlay:
		return Play{}, nil
	case ActionPause:
		return Pause{}, nil
	case ActionQueuePlayNext:
		return QueuePlayNext{}, nil
	case ActionQueueClear:
		return QueueClear{}, nil
	case ActionRequestState:
		return RequestState{}, nil
	case ActionSeek:
		if w.Time == nil || !validSeconds(*w.Time) {
			return nil, fmt.Errorf("%w: %s needs a non-negative time", ErrMalformedAction, w.Type)
		}
		return Seek{Time: *w.Time}, nil
	case ActionQueueAdd:
		if w.URL == nil || strings.TrimSpace(*w.URL) == "" {
			return nil, fmt.Errorf("%w: %s needs a url", ErrMalformedAction, w.Type)
		}
		return QueueAdd{URL: strings.TrimSpace(*w.URL)}, nil
	case ActionQueueRemove:
		if w.Index == nil {
			return nil, fmt.Errorf("%w: %s needs an index", ErrMalformedAction, w.Type)
		}
		return QueueRemove{Index: *w.Index}, nil
	case ActionSkinChange:
		if w.Skin == nil || strings.TrimSpace(*w.Skin) == "" {
			return nil, fmt.Errorf("%w: %s needs a skin", ErrMalformedAction, w.Type)
		}
		return SkinChange{Skin: *w.Skin}, nil
	case ActionSyncState:
		if w.State == nil {
			return nil, fmt.Errorf("%w: %s needs a state", ErrMalformedAction, w.Type)
		}
		if err := ValidateSnapshot(*w.State); err != nil {
			return nil, err
		}
		return SyncState{State: CloneSnapshot(*w.State)}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedAction)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, w.Type)
	}
}

// ValidateSnapshot rejects snapshots that no peer could have produced.
func ValidateSnapshot(s Snapshot) error {
	if !validSeconds(s.PlayheadSeconds) {
		return fmt.Errorf("%w: snapshot playhead %v", ErrMalformedAction, s.PlayheadSeconds)
	}
	if s.CurrentVideoURL != nil && *s.CurrentVideoURL == "" {
		return fmt.Errorf("%w: snapshot has an empty current video", ErrMalformedAction)
	}
	if s.IsPlaying && s.CurrentVideoURL == nil {
		return fmt.Errorf("%w: snapshot is playing without a current video", ErrMalformedAction)
	}
	for i, u := range s.Queue {
		if u == "" {
			return fmt.Errorf("%w: snapshot queue entry %d is empty", ErrMalformedAction, i)
		}
	}
	return nil
}

// CloneSnapshot returns a copy that shares no memory with s.
func CloneSnapshot(s Snapshot) Snapshot {
	out := Snapshot{
		Queue:           make([]string, len(s.Queue)),
		IsPlaying:       s.IsPlaying,
		PlayheadSeconds: s.PlayheadSeconds,
	}
	copy(out.Queue, s.Queue)
	if s.CurrentVideoURL != nil {
		u := *s.CurrentVideoURL
		out.CurrentVideoURL = &u
	}
	return out
}

func validSeconds(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
