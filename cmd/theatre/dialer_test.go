package main

import (
	"context"
	"testing"
	"time"

	"github.com/x1erra/xierraxyz/internal/config"
	"github.com/x1erra/xierraxyz/internal/transport/memory"
	"github.com/x1erra/xierraxyz/internal/transport/relay"
)

func TestNewDialerSelectsDriver(t *testing.T) {
	ctx := context.Background()

	d, closeFn, err := newDialer(ctx, config.TransportConfig{Driver: config.DriverMemory})
	if err != nil {
		t.Fatalf("memory driver: %v", err)
	}
	closeFn()
	if _, ok := d.(*memory.Bus); !ok {
		t.Errorf("expected *memory.Bus, got %T", d)
	}

	d, closeFn, err = newDialer(ctx, config.TransportConfig{
		Driver: config.DriverRelay,
		Relay:  config.RelayClientConfig{URL: "ws://127.0.0.1:1"},
	})
	if err != nil {
		t.Fatalf("relay driver: %v", err)
	}
	closeFn()
	if _, ok := d.(*relay.Dialer); !ok {
		t.Errorf("expected *relay.Dialer, got %T", d)
	}

	if _, _, err := newDialer(ctx, config.TransportConfig{Driver: "carrier-pigeon"}); err == nil {
		t.Error("expected an error for an unknown driver")
	}
}

func TestRoomOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		Bootstrap: config.BootstrapConfig{
			RequestDelay:        2 * time.Second,
			PushDelay:           time.Second,
			AntiEntropyInterval: 30 * time.Second,
		},
		Room: config.RoomConfig{Username: "projector"},
	}
	opts := roomOptions(cfg)
	if opts.RequestDelay != 2*time.Second || opts.PushDelay != time.Second || opts.AntiEntropyInterval != 30*time.Second {
		t.Errorf("bootstrap delays not carried over: %+v", opts)
	}
	if opts.MaxChatHistory != 200 {
		t.Errorf("expected default history, got %d", opts.MaxChatHistory)
	}
	if opts.DefaultUsername != "projector" {
		t.Errorf("expected configured username, got %q", opts.DefaultUsername)
	}
}
