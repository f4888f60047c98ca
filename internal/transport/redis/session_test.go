package redis

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/x1erra/xierraxyz/internal/transport"
)

type recorder struct {
	joined   []string
	left     []string
	messages []string
	lost     []error
}

func (r *recorder) OnDisconnect(err error) { r.lost = append(r.lost, err) }

func (r *recorder) OnPeerJoin(id string)  { r.joined = append(r.joined, id) }
func (r *recorder) OnPeerLeave(id string) { r.left = append(r.left, id) }
func (r *recorder) OnMessage(data []byte, from string) {
	r.messages = append(r.messages, from+":"+string(data))
}

func payload(t *testing.T, typ, from, data string) []byte {
	t.Helper()
	f := frame{Type: typ, From: from}
	if data != "" {
		f.Data = json.RawMessage(data)
	}
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func drain(s *session) []frame {
	var out []frame
	for {
		select {
		case b := <-s.out:
			var f frame
			_ = json.Unmarshal(b, &f)
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestHelloIsAnsweredAndJoins(t *testing.T) {
	rec := &recorder{}
	s := newSession("me", rec, time.Minute, 8)

	if !s.handle(payload(t, frameHello, "peer-1", "")) {
		t.Fatal("HELLO not recognised")
	}
	if len(rec.joined) != 1 || rec.joined[0] != "peer-1" {
		t.Errorf("expected peer-1 to join, got %v", rec.joined)
	}
	out := drain(s)
	if len(out) != 1 || out[0].Type != frameHere || out[0].From != "me" {
		t.Errorf("expected a HERE answer, got %+v", out)
	}

	s.handle(payload(t, framePing, "peer-1", ""))
	s.handle(payload(t, frameHere, "peer-1", ""))
	if len(rec.joined) != 1 {
		t.Errorf("known peer joined twice: %v", rec.joined)
	}
}

func TestOwnFramesIgnored(t *testing.T) {
	rec := &recorder{}
	s := newSession("me", rec, time.Minute, 8)

	s.handle(payload(t, frameHello, "me", ""))
	s.handle(payload(t, frameMsg, "me", `{"kind":"SYNC"}`))
	if len(rec.joined) != 0 || len(rec.messages) != 0 || len(drain(s)) != 0 {
		t.Errorf("own frames should be ignored: %+v", rec)
	}
}

func TestMessagesDeliveredWithSender(t *testing.T) {
	rec := &recorder{}
	s := newSession("me", rec, time.Minute, 8)

	s.handle(payload(t, frameMsg, "peer-2", `{"kind":"SYNC","data":{"type":"PLAY"}}`))
	if len(rec.joined) != 1 || rec.joined[0] != "peer-2" {
		t.Errorf("a message from an unknown peer should register it, got %v", rec.joined)
	}
	if len(rec.messages) != 1 || rec.messages[0] != `peer-2:{"kind":"SYNC","data":{"type":"PLAY"}}` {
		t.Errorf("unexpected messages %v", rec.messages)
	}

	if s.handle([]byte("not json")) || s.handle(payload(t, "WHAT", "peer-2", "")) {
		t.Error("garbage should not be recognised")
	}
}

func TestByeAndExpiry(t *testing.T) {
	rec := &recorder{}
	now := time.Unix(1000, 0)
	s := newSession("me", rec, 15*time.Second, 8)
	s.now = func() time.Time { return now }

	s.handle(payload(t, frameHere, "stays", ""))
	s.handle(payload(t, frameHere, "quits", ""))
	s.handle(payload(t, frameHere, "stale", ""))

	s.handle(payload(t, frameBye, "quits", ""))
	if len(rec.left) != 1 || rec.left[0] != "quits" {
		t.Fatalf("expected quits to leave, got %v", rec.left)
	}

	now = now.Add(10 * time.Second)
	s.handle(payload(t, framePing, "stays", ""))
	now = now.Add(10 * time.Second)
	s.expire()

	if len(rec.left) != 2 || rec.left[1] != "stale" {
		t.Errorf("expected stale to expire, got %v", rec.left)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	s := newSession("me", &recorder{}, time.Minute, 1)
	if err := s.enqueue(frameMsg, []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.enqueue(frameMsg, []byte(`{}`)); err == nil {
		t.Error("expected a full-queue error")
	}
	s.close()
	drain(s)
	if err := s.enqueue(frameMsg, []byte(`{}`)); err == nil {
		t.Error("expected an error after close")
	}
}

func TestDisconnectDropsPeersOnce(t *testing.T) {
	r := &recorder{}
	s := newSession("self", r, 15*time.Second, 8)
	s.handle(payload(t, frameHere, "peer-1", ""))

	cause := errors.New("connection reset")
	if !s.disconnect(cause) {
		t.Fatal("first disconnect should report")
	}
	if len(r.left) != 1 || r.left[0] != "peer-1" {
		t.Errorf("expected peer-1 to leave, got %v", r.left)
	}
	if len(r.lost) != 1 || r.lost[0] != cause {
		t.Errorf("expected one disconnect with the cause, got %v", r.lost)
	}
	if s.disconnect(cause) {
		t.Error("second disconnect should be a no-op")
	}
	if err := s.enqueue(frameMsg, []byte(`{}`)); err != transport.ErrClosed {
		t.Errorf("expected ErrClosed after disconnect, got %v", err)
	}
}

func TestDisconnectAfterCloseIsQuiet(t *testing.T) {
	r := &recorder{}
	s := newSession("self", r, 15*time.Second, 8)
	s.close()
	if s.disconnect(errors.New("late")) || len(r.lost) != 0 {
		t.Errorf("a left session must not report a disconnect, got %v", r.lost)
	}
}
