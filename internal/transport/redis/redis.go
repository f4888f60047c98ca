// Package redis runs room channels over Redis pub/sub. Redis has no notion
// of channel membership, so peers announce themselves with HELLO, answer
// with HERE, keep alive with PING and say BYE on leave. A peer that misses
// three heartbeats is considered gone.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/transport"
)

const missedHeartbeats = 3

type Config struct {
	Address           string
	Password          string
	DB                int
	PoolSize          int
	HeartbeatInterval time.Duration
	ChannelPrefix     string
	SendBuffer        int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = "theatre:room:"
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

type Dialer struct {
	client *goredis.Client
	cfg    Config
}

// NewDialer connects to Redis and verifies the connection.
func NewDialer(ctx context.Context, cfg Config) (*Dialer, error) {
	cfg = cfg.withDefaults()
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Dialer{client: client, cfg: cfg}, nil
}

func (d *Dialer) Close() error {
	return d.client.Close()
}

// ChannelName is the pub/sub channel carrying a room.
func (d *Dialer) ChannelName(roomKey string) string {
	return d.cfg.ChannelPrefix + roomKey
}

func (d *Dialer) Join(ctx context.Context, roomKey string, h transport.Handler) (transport.Channel, error) {
	name := d.ChannelName(roomKey)
	sub := d.client.Subscribe(ctx, name)
	// Receive confirms the subscription before HELLO goes out, so answers
	// to it are not missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &channel{
		client:  d.client,
		sub:     sub,
		name:    name,
		cancel:  cancel,
		session: newSession(uuid.NewString(), h, d.cfg.HeartbeatInterval*missedHeartbeats, d.cfg.SendBuffer),
	}
	c.logger = logging.L().With().Str(logging.FieldRoomKey, roomKey).Str(logging.FieldDriver, "redis").Str(logging.FieldPeerID, c.session.selfID).Logger()

	go c.publishLoop(loopCtx)
	go c.receiveLoop(loopCtx)
	go c.heartbeatLoop(loopCtx, d.cfg.HeartbeatInterval)

	c.session.enqueue(frameHello, nil)
	return c, nil
}
