package protocol

import (
	"encoding/json"
)

// Envelope kinds carried on a room's broadcast channel.
const (
	KindSync = "SYNC"
	KindChat = "CHAT"
)

// Envelope kinds exchanged with a local UI client.
const (
	KindView      = "VIEW"
	KindSyncEvent = "SYNC_EVENT"
	KindResync    = "RESYNC"
	KindProgress  = "PROGRESS"
	KindError     = "ERROR"
)

// Snapshot is the full-state payload of SYNC_STATE.
type Snapshot struct {
	Queue           []string `json:"queue"`
	CurrentVideoURL *string  `json:"currentVideoUrl"`
	IsPlaying       bool     `json:"isPlaying"`
	PlayheadSeconds float64  `json:"playheadSeconds"`
}

// ChatMessage is one entry of a room's append-only chat log.
type ChatMessage struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
}

// RoomView is the reactive state a local peer exposes to its UI.
type RoomView struct {
	RoomID          string        `json:"roomId"`
	PeerID          string        `json:"peerId"`
	Username        string        `json:"username"`
	Connected       bool          `json:"connected"`
	Queue           []string      `json:"queue"`
	CurrentVideoURL *string       `json:"currentVideoUrl"`
	IsPlaying       bool          `json:"isPlaying"`
	SyncTime        float64       `json:"syncTime"`
	Peers           []string      `json:"peers"`
	Messages        []ChatMessage `json:"messages"`
}

type SyncEventPayload struct {
	Sender string     `json:"senderId"`
	Action WireAction `json:"action"`
}

type ProgressPayload struct {
	Position float64 `json:"position"`
}

type ChatRequest struct {
	Text string `json:"text"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Envelope struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data"`
}

type InboundEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}
