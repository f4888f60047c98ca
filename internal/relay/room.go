package relay

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/protocol"
)

type Room struct {
	key          string
	participants map[string]*Participant
	mu           sync.RWMutex
}

type Participant struct {
	ID   string
	send chan []byte
	room *Room

	closeOnce sync.Once
}

func newRoom(key string) *Room {
	return &Room{
		key:          key,
		participants: make(map[string]*Participant),
	}
}

func (r *Room) Key() string {
	return r.key
}

// attach queues the WELCOME frame for p and announces it to the others
// under one lock, so no frame can reach p before its welcome.
func (r *Room) attach(p *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := make([]string, 0, len(r.participants))
	for id := range r.participants {
		existing = append(existing, id)
	}
	sort.Strings(existing)
	p.Send(protocol.Envelope{
		Kind: protocol.KindWelcome,
		Data: protocol.WelcomePayload{PeerID: p.ID, Peers: existing},
	})

	joined := encode(protocol.Envelope{Kind: protocol.KindPeerJoined, Data: protocol.PeerPayload{PeerID: p.ID}})
	for _, other := range r.participants {
		other.enqueue(joined)
	}
	r.participants[p.ID] = p
}

func (r *Room) detach(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[id]; !ok {
		return false
	}
	delete(r.participants, id)

	left := encode(protocol.Envelope{Kind: protocol.KindPeerLeft, Data: protocol.PeerPayload{PeerID: id}})
	for _, other := range r.participants {
		other.enqueue(left)
	}
	return true
}

func (r *Room) broadcast(envelope protocol.Envelope, exclude string) {
	data := encode(envelope)
	if data == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, participant := range r.participants {
		if id == exclude {
			continue
		}
		participant.enqueue(data)
	}
}

func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

func (r *Room) ParticipantIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Messages is drained by the participant's connection writer. It is closed
// when the participant leaves.
func (p *Participant) Messages() <-chan []byte {
	return p.send
}

func (p *Participant) Send(envelope protocol.Envelope) {
	if data := encode(envelope); data != nil {
		p.enqueue(data)
	}
}

// enqueue drops the frame when the participant's buffer is full. Lost
// frames are recovered by the peers' state requests.
func (p *Participant) enqueue(data []byte) {
	select {
	case p.send <- data:
	default:
		l := logging.L()
		l.Warn().Str(logging.FieldPeerID, p.ID).Msg("send buffer full, dropping frame")
	}
}

func (p *Participant) close() {
	p.closeOnce.Do(func() { close(p.send) })
}

func encode(envelope protocol.Envelope) []byte {
	data, err := json.Marshal(envelope)
	if err != nil {
		l := logging.L()
		l.Error().Err(err).Str("kind", envelope.Kind).Msg("encode relay frame")
		return nil
	}
	return data
}
