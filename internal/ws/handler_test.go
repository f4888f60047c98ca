package ws

import (
	"testing"
	"time"
)

func TestExtractRoomKey(t *testing.T) {
	cases := []struct {
		path string
		want string
		ok   bool
	}{
		{"/ws/rooms/123456-pw", "123456-pw", true},
		{"ws/rooms/abc/", "abc", true},
		{"/ws/rooms/", "", false},
		{"/api/rooms/abc", "", false},
		{"/ws/rooms/abc/extra", "", false},
	}
	for _, tc := range cases {
		got, err := extractRoomKey(tc.path)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("extractRoomKey(%q) = %q, %v", tc.path, got, err)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{PingInterval: 90 * time.Second}.withDefaults()
	if cfg.PingInterval >= cfg.PongWait {
		t.Errorf("ping interval %v must be shorter than pong wait %v", cfg.PingInterval, cfg.PongWait)
	}
	if cfg.MaxMessageSize != 65536 {
		t.Errorf("unexpected max message size %d", cfg.MaxMessageSize)
	}
}
