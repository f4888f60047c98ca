package protocol

import "encoding/json"

// Envelope kinds spoken between a relay server and its clients. The relay
// only forwards room frames; it never looks inside them.
const (
	KindWelcome    = "WELCOME"
	KindPeerJoined = "PEER_JOINED"
	KindPeerLeft   = "PEER_LEFT"
	KindMessage    = "MESSAGE"
	KindBroadcast  = "BROADCAST"
)

// WelcomePayload is the first frame a relay client receives. It carries
// the peer id assigned to the client and the peers already present.
type WelcomePayload struct {
	PeerID string   `json:"peerId"`
	Peers  []string `json:"peers"`
}

type PeerPayload struct {
	PeerID string `json:"peerId"`
}

// RelayedFrame carries one room frame. From is set by the relay on
// delivery and ignored on BROADCAST.
type RelayedFrame struct {
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data"`
}
