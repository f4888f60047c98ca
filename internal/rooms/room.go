package rooms

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/playback"
	"github.com/x1erra/xierraxyz/internal/protocol"
	"github.com/x1erra/xierraxyz/internal/transport"
)

var (
	ErrRoomClosed   = errors.New("room closed")
	ErrNotConnected = errors.New("room not connected")
	ErrEmptyMessage = errors.New("empty chat message")
)

const (
	watcherBuffer = 8
	// seenFactor sizes the chat de-dup window relative to the history, so
	// a late re-delivery of an evicted message is still recognised.
	seenFactor = 10
)

// PlaybackClock reports the local player's position. It supplies the
// playhead of outgoing SYNC_STATE snapshots.
type PlaybackClock interface {
	Position() float64
}

// ReportedClock is a PlaybackClock fed by position reports from a player.
type ReportedClock struct {
	mu  sync.Mutex
	pos float64
}

func (c *ReportedClock) Set(pos float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = pos
}

func (c *ReportedClock) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// Scheduler runs f once after d and returns a function that cancels it.
type Scheduler func(d time.Duration, f func()) (stop func())

func afterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

type Options struct {
	// RequestDelay is how long a freshly joined peer waits before asking
	// for state.
	RequestDelay time.Duration
	// PushDelay is how long a peer with meaningful state waits before
	// pushing it to a newcomer.
	PushDelay time.Duration
	// AntiEntropyInterval re-broadcasts meaningful state periodically.
	// Zero disables it.
	AntiEntropyInterval time.Duration
	MaxChatHistory      int
	// DefaultUsername is used when a join names no user. Empty means a
	// random UserNNN name.
	DefaultUsername string
	Schedule        Scheduler
	Now             func() time.Time
}

func DefaultOptions() Options {
	return Options{
		RequestDelay:   time.Second,
		PushDelay:      500 * time.Millisecond,
		MaxChatHistory: 200,
	}
}

func (o Options) withDefaults() Options {
	if o.Schedule == nil {
		o.Schedule = afterFunc
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SyncObserver is told about every action applied from a remote peer.
type SyncObserver func(action protocol.Action, senderID string)

// Room is one peer's replica of a watch-party room. All state changes go
// through playback.Apply under mu; broadcasts and callbacks happen after
// mu is released.
type Room struct {
	id       string
	key      string
	username string
	opts     Options
	logger   zerolog.Logger

	mu        sync.RWMutex
	state     playback.RoomState
	peers     []string
	messages  []protocol.ChatMessage
	seen      map[string]struct{}
	seenOrder []string
	channel   transport.Channel
	lost      bool
	selfID    string
	closed    bool
	clock     PlaybackClock
	observers map[int]SyncObserver
	nextObs   int
	timers    map[int]func()
	nextTimer int

	wmu       sync.Mutex
	watchers  map[int]chan protocol.RoomView
	nextWatch int
}

func NewRoom(roomID, channelKey, username string, opts Options) *Room {
	return &Room{
		id:        roomID,
		key:       channelKey,
		username:  username,
		opts:      opts.withDefaults(),
		logger:    logging.L().With().Str(logging.FieldRoomID, roomID).Logger(),
		seen:      make(map[string]struct{}),
		observers: make(map[int]SyncObserver),
		timers:    make(map[int]func()),
		watchers:  make(map[int]chan protocol.RoomView),
	}
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) Key() string {
	return r.key
}

func (r *Room) Username() string {
	return r.username
}

// Attach joins the room's channel. A failed join leaves the room usable in
// disconnected mode and is returned to the caller for reporting only.
func (r *Room) Attach(ctx context.Context, dialer transport.Dialer) error {
	if dialer == nil {
		r.logger.Warn().Msg("no transport configured, room runs disconnected")
		return ErrNotConnected
	}
	ch, err := dialer.Join(ctx, r.key, r)
	if err != nil {
		r.logger.Warn().Err(err).Str(logging.FieldRoomKey, r.key).Msg("transport join failed, room runs disconnected")
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ch.Leave()
		return ErrRoomClosed
	}
	if r.lost {
		// The channel died before Join returned.
		r.mu.Unlock()
		return ErrNotConnected
	}
	r.channel = ch
	r.selfID = ch.SelfID()
	r.removePeerLocked(r.selfID)
	r.mu.Unlock()

	r.logger.Info().Str(logging.FieldPeerID, ch.SelfID()).Msg("joined room channel")
	r.start()
	r.notify()
	return nil
}

func (r *Room) start() {
	r.after(r.opts.RequestDelay, func() {
		if err := r.RequestState(); err != nil {
			r.logger.Debug().Err(err).Msg("bootstrap request skipped")
		}
	})
	if r.opts.AntiEntropyInterval > 0 {
		r.after(r.opts.AntiEntropyInterval, r.antiEntropy)
	}
}

func (r *Room) antiEntropy() {
	r.pushIfMeaningful("anti-entropy")
	r.after(r.opts.AntiEntropyInterval, r.antiEntropy)
}

// after schedules f unless the room closes or loses its channel first.
func (r *Room) after(d time.Duration, f func()) {
	r.mu.Lock()
	if r.closed || r.lost {
		r.mu.Unlock()
		return
	}
	id := r.nextTimer
	r.nextTimer++
	r.timers[id] = func() {}
	r.mu.Unlock()

	stop := r.opts.Schedule(d, func() {
		r.mu.Lock()
		_, live := r.timers[id]
		delete(r.timers, id)
		closed := r.closed || r.lost
		r.mu.Unlock()
		if live && !closed {
			f()
		}
	})

	r.mu.Lock()
	if _, pending := r.timers[id]; pending {
		r.timers[id] = stop
	}
	r.mu.Unlock()
}

// SendSync applies a locally originated action and broadcasts it. Local
// state never rolls back when the broadcast fails.
func (r *Room) SendSync(ctx context.Context, action protocol.Action) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	r.state = playback.Apply(r.state, action)
	r.mu.Unlock()

	r.notify()
	r.broadcastAction(ctx, action)
	return nil
}

// RequestState asks the other peers for a snapshot.
func (r *Room) RequestState() error {
	r.mu.RLock()
	connected := r.channel != nil && !r.closed
	r.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}
	r.broadcastAction(context.Background(), protocol.RequestState{})
	return nil
}

// SendMessage appends a chat message locally and broadcasts it.
func (r *Room) SendMessage(ctx context.Context, text string) (protocol.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return protocol.ChatMessage{}, ErrEmptyMessage
	}
	msg := protocol.ChatMessage{
		Sender:    r.username,
		Text:      text,
		Timestamp: r.opts.Now().UnixMilli(),
		ID:        uuid.NewString(),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return protocol.ChatMessage{}, ErrRoomClosed
	}
	r.appendMessageLocked(msg)
	ch := r.channel
	r.mu.Unlock()

	r.notify()
	if ch == nil {
		return msg, nil
	}
	data, err := protocol.EncodeChat(msg)
	if err != nil {
		return msg, err
	}
	if err := ch.Broadcast(ctx, data); err != nil {
		r.logger.Warn().Err(err).Msg("chat broadcast failed")
	}
	return msg, nil
}

// OnMessage decodes a frame from the channel and dispatches it.
// Malformed frames are logged and dropped.
func (r *Room) OnMessage(data []byte, senderID string) {
	env, err := protocol.DecodeFrame(data)
	if err != nil {
		r.logger.Warn().Err(err).Str(logging.FieldSenderID, senderID).Msg("dropping frame")
		return
	}

	switch env.Kind {
	case protocol.KindSync:
		action, err := protocol.DecodeAction(env.Data)
		if err != nil {
			r.logger.Warn().Err(err).Str(logging.FieldSenderID, senderID).Msg("dropping sync action")
			return
		}
		r.OnAction(action, senderID)
	case protocol.KindChat:
		msg, err := protocol.DecodeChat(env.Data)
		if err != nil {
			r.logger.Warn().Err(err).Str(logging.FieldSenderID, senderID).Msg("dropping chat message")
			return
		}
		r.onChat(msg, senderID)
	default:
		r.logger.Warn().Str("kind", env.Kind).Str(logging.FieldSenderID, senderID).Msg("dropping frame of unknown kind")
	}
}

// OnAction applies an action received from senderID and notifies
// observers. REQUEST_STATE is answered only when the local state is
// meaningful.
func (r *Room) OnAction(action protocol.Action, senderID string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.state = playback.Apply(r.state, action)
	observers := make([]SyncObserver, 0, len(r.observers))
	for _, cb := range r.observers {
		observers = append(observers, cb)
	}
	r.mu.Unlock()

	r.logger.Debug().Str(logging.FieldAction, string(action.Type())).Str(logging.FieldSenderID, senderID).Msg("applied remote action")

	if _, ok := action.(protocol.RequestState); ok {
		r.pushIfMeaningful("request")
	}

	r.notify()
	for _, cb := range observers {
		cb(action, senderID)
	}
}

func (r *Room) onChat(msg protocol.ChatMessage, senderID string) {
	msg.Sender = senderID

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, dup := r.seen[msg.ID]; dup {
		r.mu.Unlock()
		return
	}
	r.appendMessageLocked(msg)
	r.mu.Unlock()

	r.notify()
}

func (r *Room) appendMessageLocked(msg protocol.ChatMessage) {
	r.messages = append(r.messages, msg)
	limit := r.opts.MaxChatHistory
	if limit > 0 && len(r.messages) > limit {
		r.messages = append([]protocol.ChatMessage(nil), r.messages[len(r.messages)-limit:]...)
	}

	r.seen[msg.ID] = struct{}{}
	r.seenOrder = append(r.seenOrder, msg.ID)
	if limit > 0 && len(r.seenOrder) > limit*seenFactor {
		evict := len(r.seenOrder) - limit*seenFactor
		for _, id := range r.seenOrder[:evict] {
			delete(r.seen, id)
		}
		r.seenOrder = append([]string(nil), r.seenOrder[evict:]...)
	}
}

// OnPeerJoin records a new peer and, when holding meaningful state,
// schedules a push so the newcomer converges even if its own request is
// lost.
func (r *Room) OnPeerJoin(peerID string) {
	r.mu.Lock()
	if r.closed || peerID == r.selfID || r.hasPeerLocked(peerID) {
		r.mu.Unlock()
		return
	}
	r.peers = append(r.peers, peerID)
	meaningful := r.state.Meaningful()
	r.mu.Unlock()

	r.logger.Info().Str(logging.FieldPeerID, peerID).Msg("peer joined")
	if meaningful {
		r.after(r.opts.PushDelay, func() { r.pushIfMeaningful("peer join") })
	}
	r.notify()
}

func (r *Room) OnPeerLeave(peerID string) {
	r.mu.Lock()
	if r.closed || !r.removePeerLocked(peerID) {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.logger.Info().Str(logging.FieldPeerID, peerID).Msg("peer left")
	r.notify()
}

// OnDisconnect forgets a channel the transport lost. The room keeps its
// state and stays usable offline, like a room whose join failed.
func (r *Room) OnDisconnect(err error) {
	r.mu.Lock()
	if r.closed || r.lost {
		r.mu.Unlock()
		return
	}
	r.lost = true
	r.channel = nil
	r.peers = nil
	stops := make([]func(), 0, len(r.timers))
	for _, stop := range r.timers {
		stops = append(stops, stop)
	}
	r.timers = make(map[int]func())
	r.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	r.logger.Warn().Err(err).Msg("transport lost, room runs disconnected")
	r.notify()
}

func (r *Room) hasPeerLocked(peerID string) bool {
	for _, p := range r.peers {
		if p == peerID {
			return true
		}
	}
	return false
}

func (r *Room) removePeerLocked(peerID string) bool {
	for i, p := range r.peers {
		if p == peerID {
			r.peers = append(r.peers[:i], r.peers[i+1:]...)
			return true
		}
	}
	return false
}

// pushIfMeaningful broadcasts a SYNC_STATE of the current state. The
// playhead comes from the playback clock when one is set.
func (r *Room) pushIfMeaningful(reason string) {
	r.mu.RLock()
	if r.closed || r.channel == nil || !r.state.Meaningful() {
		r.mu.RUnlock()
		return
	}
	snap := r.state.Snapshot()
	clock := r.clock
	r.mu.RUnlock()

	if clock != nil {
		snap.PlayheadSeconds = clock.Position()
	}
	if err := protocol.ValidateSnapshot(snap); err != nil {
		r.logger.Error().Err(err).Msg("refusing to push invalid snapshot")
		return
	}
	r.logger.Debug().Str("reason", reason).Msg("pushing state")
	r.broadcastAction(context.Background(), protocol.SyncState{State: snap})
}

func (r *Room) broadcastAction(ctx context.Context, action protocol.Action) {
	r.mu.RLock()
	ch := r.channel
	r.mu.RUnlock()
	if ch == nil {
		return
	}
	data, err := protocol.EncodeSync(action)
	if err != nil {
		r.logger.Error().Err(err).Str(logging.FieldAction, string(action.Type())).Msg("encode action")
		return
	}
	if err := ch.Broadcast(ctx, data); err != nil {
		r.logger.Warn().Err(err).Str(logging.FieldAction, string(action.Type())).Msg("broadcast failed")
	}
}

// SetClock installs the clock used for outgoing snapshots.
func (r *Room) SetClock(clock PlaybackClock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// ReleaseClock removes clock if it is still the installed one. Snapshots
// then fall back to the replicated playhead.
func (r *Room) ReleaseClock(clock PlaybackClock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clock == clock {
		r.clock = nil
	}
}

// OnSyncEvent registers cb for every applied remote action. The returned
// function unregisters it.
func (r *Room) OnSyncEvent(cb SyncObserver) func() {
	r.mu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = cb
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers, id)
	}
}

// State returns a copy of the replicated state.
func (r *Room) State() playback.RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

func (r *Room) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel != nil && !r.closed
}

func (r *Room) View() protocol.RoomView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := r.state.Snapshot()
	view := protocol.RoomView{
		RoomID:          r.id,
		PeerID:          r.selfID,
		Username:        r.username,
		Connected:       r.channel != nil && !r.closed,
		Queue:           snap.Queue,
		CurrentVideoURL: snap.CurrentVideoURL,
		IsPlaying:       snap.IsPlaying,
		SyncTime:        snap.PlayheadSeconds,
		Peers:           append([]string{}, r.peers...),
		Messages:        append([]protocol.ChatMessage{}, r.messages...),
	}
	return view
}

// Subscribe returns a channel of views sent after every change. A slow
// reader loses intermediate views, never the latest one.
func (r *Room) Subscribe() (<-chan protocol.RoomView, func()) {
	ch := make(chan protocol.RoomView, watcherBuffer)

	r.wmu.Lock()
	id := r.nextWatch
	r.nextWatch++
	r.watchers[id] = ch
	r.wmu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.wmu.Lock()
			defer r.wmu.Unlock()
			if _, ok := r.watchers[id]; ok {
				delete(r.watchers, id)
				close(ch)
			}
		})
	}
}

func (r *Room) notify() {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if len(r.watchers) == 0 {
		return
	}
	view := r.View()
	for _, ch := range r.watchers {
		select {
		case ch <- view:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- view:
		default:
		}
	}
}

// Leave cancels pending timers, leaves the channel and closes every
// subscription. It is safe to call more than once.
func (r *Room) Leave() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stops := make([]func(), 0, len(r.timers))
	for _, stop := range r.timers {
		stops = append(stops, stop)
	}
	r.timers = make(map[int]func())
	ch := r.channel
	r.channel = nil
	r.peers = nil
	r.mu.Unlock()

	for _, stop := range stops {
		stop()
	}

	r.notify()
	r.wmu.Lock()
	for id, w := range r.watchers {
		delete(r.watchers, id)
		close(w)
	}
	r.wmu.Unlock()

	if ch == nil {
		return nil
	}
	r.logger.Info().Msg("left room channel")
	return ch.Leave()
}
