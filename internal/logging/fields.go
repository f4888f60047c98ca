package logging

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Room
	FieldRoomID   = "room_id"
	FieldRoomKey  = "room_key"
	FieldPeerID   = "peer_id"
	FieldSenderID = "sender_id"
	FieldAction   = "action"
	FieldUsername = "username"

	// Transport
	FieldDriver = "driver"

	FieldService = "service"
)

const headerRequestID = "X-Request-ID"
