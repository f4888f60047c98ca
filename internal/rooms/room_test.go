package rooms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/x1erra/xierraxyz/internal/protocol"
	"github.com/x1erra/xierraxyz/internal/transport"
	"github.com/x1erra/xierraxyz/internal/transport/memory"
)

type manualTask struct {
	f       func()
	stopped bool
}

// manualScheduler queues timers until the test runs them.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

func (s *manualScheduler) Schedule(d time.Duration, f func()) func() {
	t := &manualTask{f: f}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.stopped = true
	}
}

// RunPending runs the tasks queued so far. Tasks scheduled while running
// wait for the next call.
func (s *manualScheduler) RunPending() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	for _, t := range tasks {
		s.mu.Lock()
		stopped := t.stopped
		s.mu.Unlock()
		if !stopped {
			t.f()
		}
	}
}

// frameLog records every delivery on a memory bus and can drop some.
type frameLog struct {
	mu     sync.Mutex
	sent   []protocol.ActionType
	dropFn func(protocol.ActionType) bool
}

func (l *frameLog) hook(from, to string, data []byte) bool {
	typ := actionType(data)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, typ)
	return l.dropFn != nil && l.dropFn(typ)
}

func (l *frameLog) count(typ protocol.ActionType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.sent {
		if t == typ {
			n++
		}
	}
	return n
}

func (l *frameLog) setDrop(fn func(protocol.ActionType) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropFn = fn
}

func actionType(data []byte) protocol.ActionType {
	env, err := protocol.DecodeFrame(data)
	if err != nil || env.Kind != protocol.KindSync {
		return ""
	}
	action, err := protocol.DecodeAction(env.Data)
	if err != nil {
		return ""
	}
	return action.Type()
}

type harness struct {
	t     *testing.T
	bus   *memory.Bus
	sched *manualScheduler
	log   *frameLog
	opts  Options
}

func newHarness(t *testing.T) *harness {
	h := &harness{t: t, bus: memory.NewBus(), sched: &manualScheduler{}, log: &frameLog{}}
	h.bus.SetDrop(h.log.hook)
	h.opts = DefaultOptions()
	h.opts.Schedule = h.sched.Schedule
	return h
}

func (h *harness) join(name string) *Room {
	h.t.Helper()
	room := NewRoom("123456", "123456", name, h.opts)
	if err := room.Attach(context.Background(), h.bus); err != nil {
		h.t.Fatalf("attach %s: %v", name, err)
	}
	return room
}

func mustSend(t *testing.T, r *Room, actions ...protocol.Action) {
	t.Helper()
	for _, a := range actions {
		if err := r.SendSync(context.Background(), a); err != nil {
			t.Fatalf("SendSync(%s): %v", a.Type(), err)
		}
	}
}

func TestIdlePeersDoNotAnswerRequests(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	b := h.join("bob")

	h.sched.RunPending()

	if got := h.log.count(protocol.ActionRequestState); got != 2 {
		t.Errorf("expected both peers to request state, got %d requests", got)
	}
	if got := h.log.count(protocol.ActionSyncState); got != 0 {
		t.Errorf("idle peers must not send SYNC_STATE, got %d", got)
	}
	if a.State().Meaningful() || b.State().Meaningful() {
		t.Error("idle peers should stay idle")
	}
}

func TestLateJoinerConverges(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	h.sched.RunPending()

	mustSend(t, a, protocol.QueueAdd{URL: "x"}, protocol.QueueAdd{URL: "y"}, protocol.Play{})

	b := h.join("bob")
	if b.State().Meaningful() {
		t.Fatal("late joiner should not have state before bootstrap runs")
	}
	h.sched.RunPending()

	if !b.State().Equal(a.State()) {
		t.Errorf("expected %+v, got %+v", a.State(), b.State())
	}
}

func TestPushCoversLostRequest(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	h.sched.RunPending()
	mustSend(t, a, protocol.QueueAdd{URL: "x"}, protocol.QueueAdd{URL: "y"})

	h.log.setDrop(func(typ protocol.ActionType) bool { return typ == protocol.ActionRequestState })
	b := h.join("bob")
	h.sched.RunPending()

	if !b.State().Equal(a.State()) {
		t.Errorf("push bootstrap should converge: expected %+v, got %+v", a.State(), b.State())
	}
}

func TestRequestCoversLostPush(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	h.sched.RunPending()
	mustSend(t, a, protocol.QueueAdd{URL: "x"}, protocol.QueueAdd{URL: "y"})

	dropped := false
	h.log.setDrop(func(typ protocol.ActionType) bool {
		if typ == protocol.ActionSyncState && !dropped {
			dropped = true
			return true
		}
		return false
	})
	b := h.join("bob")
	h.sched.RunPending()

	if !dropped {
		t.Fatal("expected the push to be dropped")
	}
	if !b.State().Equal(a.State()) {
		t.Errorf("pull bootstrap should converge: expected %+v, got %+v", a.State(), b.State())
	}
}

func TestSnapshotUsesPlaybackClock(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	h.sched.RunPending()
	mustSend(t, a, protocol.QueueAdd{URL: "x"}, protocol.Play{})

	clock := &ReportedClock{}
	clock.Set(42.5)
	a.SetClock(clock)

	b := h.join("bob")
	h.sched.RunPending()

	if got := b.View().SyncTime; got != 42.5 {
		t.Errorf("expected playhead 42.5 from clock, got %v", got)
	}
}

func TestReleasedClockStopsFeedingSnapshots(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	h.sched.RunPending()
	mustSend(t, a, protocol.QueueAdd{URL: "x"}, protocol.Seek{Time: 10}, protocol.Play{})

	stale := &ReportedClock{}
	stale.Set(99)
	a.SetClock(stale)

	current := &ReportedClock{}
	current.Set(50)
	a.ReleaseClock(current)

	b := h.join("bob")
	h.sched.RunPending()
	if got := b.View().SyncTime; got != 99 {
		t.Fatalf("releasing another clock must not remove the installed one, got %v", got)
	}
	// bob now holds the clock's playhead too; only alice should answer carol.
	if err := b.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}

	a.ReleaseClock(stale)
	c := h.join("carol")
	h.sched.RunPending()
	if got := c.View().SyncTime; got != 10 {
		t.Errorf("expected the replicated playhead after release, got %v", got)
	}
}

func TestOptimisticApplyWhileDisconnected(t *testing.T) {
	failing := transport.DialerFunc(func(ctx context.Context, key string, h transport.Handler) (transport.Channel, error) {
		return nil, errors.New("signalling unreachable")
	})
	room := NewRoom("1", "1", "solo", Options{})
	if err := room.Attach(context.Background(), failing); err == nil {
		t.Fatal("expected attach error")
	}
	if room.Connected() {
		t.Fatal("room should report disconnected")
	}

	mustSend(t, room, protocol.QueueAdd{URL: "x"}, protocol.Play{})
	if st := room.State(); st.CurrentVideoURL != "x" || !st.IsPlaying {
		t.Errorf("local apply should work offline, got %+v", st)
	}
	if err := room.RequestState(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := room.SendMessage(context.Background(), "hi"); err != nil {
		t.Errorf("offline chat should be kept locally: %v", err)
	}
	if got := len(room.View().Messages); got != 1 {
		t.Errorf("expected one local message, got %d", got)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	room := NewRoom("1", "1", "solo", Options{})
	mustSend(t, room, protocol.QueueAdd{URL: "x"})
	before := room.State()

	called := 0
	room.OnSyncEvent(func(protocol.Action, string) { called++ })

	frames := []string{
		`garbage`,
		`{"data":{}}`,
		`{"kind":"SYNC","data":{"type":"BOGUS"}}`,
		`{"kind":"SYNC","data":{"type":"SEEK"}}`,
		`{"kind":"SYNC","data":{"type":"SYNC_STATE","state":{"queue":[],"currentVideoUrl":null,"isPlaying":true,"playheadSeconds":0}}}`,
		`{"kind":"CHAT","data":{"text":"no id"}}`,
		`{"kind":"WHAT","data":{}}`,
	}
	for _, f := range frames {
		room.OnMessage([]byte(f), "peer")
	}

	if !room.State().Equal(before) {
		t.Errorf("malformed frames changed state: %+v", room.State())
	}
	if called != 0 {
		t.Errorf("observers saw %d malformed actions", called)
	}
	if len(room.View().Messages) != 0 {
		t.Error("malformed chat was appended")
	}
}

func TestChatDeduplicatedAndAttributedToPeer(t *testing.T) {
	room := NewRoom("1", "1", "solo", Options{})
	frame, err := protocol.EncodeChat(protocol.ChatMessage{Sender: "spoofed", Text: "hello", Timestamp: 1, ID: "m1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	room.OnMessage(frame, "peer-1")
	room.OnMessage(frame, "peer-1")

	msgs := room.View().Messages
	if len(msgs) != 1 {
		t.Fatalf("expected one message after duplicate delivery, got %d", len(msgs))
	}
	if msgs[0].Sender != "peer-1" {
		t.Errorf("expected sender overwritten with peer id, got %q", msgs[0].Sender)
	}
}

func TestChatHistoryIsTrimmed(t *testing.T) {
	room := NewRoom("1", "1", "solo", Options{MaxChatHistory: 2})
	for _, text := range []string{"one", "two", "three"} {
		if _, err := room.SendMessage(context.Background(), text); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	msgs := room.View().Messages
	if len(msgs) != 2 || msgs[0].Text != "two" || msgs[1].Text != "three" {
		t.Errorf("expected [two three], got %+v", msgs)
	}
	if _, err := room.SendMessage(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestEvictedChatIsNotReplayed(t *testing.T) {
	room := NewRoom("1", "1", "solo", Options{MaxChatHistory: 2})
	frames := make(map[string][]byte)
	for i, id := range []string{"m1", "m2", "m3"} {
		frame, err := protocol.EncodeChat(protocol.ChatMessage{Text: id, Timestamp: int64(i), ID: id})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		frames[id] = frame
		room.OnMessage(frame, "peer-1")
	}

	// At-least-once delivery: m1 arrives again after it left the history.
	room.OnMessage(frames["m1"], "peer-1")

	msgs := room.View().Messages
	if len(msgs) != 2 || msgs[0].ID != "m2" || msgs[1].ID != "m3" {
		t.Errorf("expected [m2 m3], got %+v", msgs)
	}
}

func TestSyncEventsReachRemoteObservers(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	b := h.join("bob")
	h.sched.RunPending()

	var mu sync.Mutex
	var gotA, gotB []protocol.Action
	var sender string
	a.OnSyncEvent(func(act protocol.Action, from string) {
		mu.Lock()
		defer mu.Unlock()
		gotA = append(gotA, act)
	})
	cancel := b.OnSyncEvent(func(act protocol.Action, from string) {
		mu.Lock()
		defer mu.Unlock()
		gotB = append(gotB, act)
		sender = from
	})

	mustSend(t, a, protocol.SkinChange{Skin: protocol.SkinSpace})

	if len(gotA) != 0 {
		t.Errorf("local actions must not reach local observers, got %v", gotA)
	}
	if len(gotB) != 1 {
		t.Fatalf("expected one remote event, got %v", gotB)
	}
	if skin, ok := gotB[0].(protocol.SkinChange); !ok || skin.Skin != protocol.SkinSpace {
		t.Errorf("unexpected event %#v", gotB[0])
	}
	if sender != a.View().PeerID {
		t.Errorf("expected sender %q, got %q", a.View().PeerID, sender)
	}

	cancel()
	mustSend(t, a, protocol.SkinChange{Skin: protocol.SkinModern})
	if len(gotB) != 1 {
		t.Errorf("cancelled observer still called: %v", gotB)
	}
}

func TestActionsReplicate(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	b := h.join("bob")
	h.sched.RunPending()

	mustSend(t, a, protocol.QueueAdd{URL: "x"}, protocol.QueueAdd{URL: "y"})
	mustSend(t, b, protocol.QueuePlayNext{}, protocol.Seek{Time: 12})

	if !a.State().Equal(b.State()) {
		t.Errorf("replicas diverged: %+v vs %+v", a.State(), b.State())
	}
	if st := a.State(); st.CurrentVideoURL != "y" || !st.IsPlaying || st.PlayheadSeconds != 12 {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestAntiEntropyRepairsLostActions(t *testing.T) {
	h := newHarness(t)
	h.opts.AntiEntropyInterval = time.Minute
	a := h.join("alice")
	b := h.join("bob")
	h.sched.RunPending()

	h.log.setDrop(func(protocol.ActionType) bool { return true })
	mustSend(t, a, protocol.QueueAdd{URL: "x"}, protocol.QueueAdd{URL: "y"})
	if b.State().Meaningful() {
		t.Fatal("bob should have missed the actions")
	}

	h.log.setDrop(nil)
	h.sched.RunPending()
	if !b.State().Equal(a.State()) {
		t.Errorf("anti-entropy should converge: expected %+v, got %+v", a.State(), b.State())
	}
}

func TestPeersTracked(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	b := h.join("bob")

	if peers := a.View().Peers; len(peers) != 1 || peers[0] != b.View().PeerID {
		t.Errorf("alice should see bob, got %v", peers)
	}
	if peers := b.View().Peers; len(peers) != 1 || peers[0] != a.View().PeerID {
		t.Errorf("bob should see alice, got %v", peers)
	}

	a.OnPeerJoin(b.View().PeerID)
	if got := len(a.View().Peers); got != 1 {
		t.Errorf("duplicate join added a peer: %d", got)
	}

	if err := b.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if peers := a.View().Peers; len(peers) != 0 {
		t.Errorf("bob should be gone, got %v", peers)
	}
}

func TestLeaveClosesRoom(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	views, _ := a.Subscribe()

	if err := a.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := a.Leave(); err != nil {
		t.Fatalf("second leave: %v", err)
	}

	// Drain until the subscription closes.
	for range views {
	}

	if err := a.SendSync(context.Background(), protocol.Play{}); !errors.Is(err, ErrRoomClosed) {
		t.Errorf("expected ErrRoomClosed, got %v", err)
	}
	if a.Connected() {
		t.Error("closed room reports connected")
	}

	h.sched.RunPending()
	if got := h.log.count(protocol.ActionRequestState); got != 0 {
		t.Errorf("timers should be cancelled on leave, got %d requests", got)
	}
}

func TestSubscribeDeliversLatestView(t *testing.T) {
	room := NewRoom("1", "1", "solo", Options{})
	views, cancel := room.Subscribe()
	defer cancel()

	for i := 0; i < watcherBuffer+4; i++ {
		mustSend(t, room, protocol.QueueAdd{URL: "x"})
	}

	var last protocol.RoomView
	n := 0
	for len(views) > 0 {
		last = <-views
		n++
	}
	if n == 0 || n > watcherBuffer {
		t.Fatalf("unexpected number of buffered views: %d", n)
	}
	if len(last.Queue) != watcherBuffer+3 {
		t.Errorf("last view should hold the latest queue, got %d items", len(last.Queue))
	}
}

func TestTransportLossMarksRoomDisconnected(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	b := h.join("bob")
	h.sched.RunPending()

	views, cancel := a.Subscribe()
	defer cancel()

	if !a.Connected() {
		t.Fatal("alice should start connected")
	}
	if !h.bus.Sever("123456", a.View().PeerID) {
		t.Fatal("alice not on the bus")
	}

	if a.Connected() {
		t.Error("Connected should be false after the transport is lost")
	}
	view := a.View()
	if view.Connected || len(view.Peers) != 0 {
		t.Errorf("view should be disconnected with no peers, got %+v", view)
	}
	if err := a.RequestState(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if peers := b.View().Peers; len(peers) != 0 {
		t.Errorf("bob should see alice leave, got %v", peers)
	}

	var last protocol.RoomView
	for len(views) > 0 {
		last = <-views
	}
	if last.Connected {
		t.Error("subscribers should be told about the disconnect")
	}

	// Local intents keep working offline.
	mustSend(t, a, protocol.QueueAdd{URL: "https://v/offline"})
	if got := a.State().CurrentVideoURL; got != "https://v/offline" {
		t.Errorf("expected offline apply, got %q", got)
	}
	if err := a.Leave(); err != nil {
		t.Errorf("Leave after loss: %v", err)
	}
}

// lostOnJoin is a transport whose channel dies while Join is returning.
type lostOnJoin struct{}

func (lostOnJoin) Join(ctx context.Context, key string, h transport.Handler) (transport.Channel, error) {
	ch, err := memory.NewBus().Join(ctx, key, h)
	if err != nil {
		return nil, err
	}
	h.OnDisconnect(transport.ErrClosed)
	return ch, nil
}

func TestLossDuringAttach(t *testing.T) {
	opts := DefaultOptions()
	opts.Schedule = (&manualScheduler{}).Schedule
	room := NewRoom("1", "1", "solo", opts)
	if err := room.Attach(context.Background(), lostOnJoin{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if room.Connected() {
		t.Error("a channel lost during attach must not be installed")
	}
}
