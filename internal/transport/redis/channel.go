package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var errSubscriptionClosed = errors.New("redis subscription closed")

type channel struct {
	client  *goredis.Client
	sub     *goredis.PubSub
	name    string
	session *session
	cancel  context.CancelFunc
	logger  zerolog.Logger

	leaveOnce sync.Once
}

func (c *channel) SelfID() string {
	return c.session.selfID
}

func (c *channel) Broadcast(ctx context.Context, data []byte) error {
	return c.session.enqueue(frameMsg, data)
}

// Leave publishes BYE so peers drop this one without waiting for expiry.
func (c *channel) Leave() error {
	var err error
	c.leaveOnce.Do(func() {
		c.session.close()
		c.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if bye, encErr := c.session.encode(frameBye, nil); encErr == nil {
			if pubErr := c.client.Publish(ctx, c.name, bye).Err(); pubErr != nil {
				c.logger.Warn().Err(pubErr).Msg("publish bye failed")
			}
		}
		err = c.sub.Close()
	})
	return err
}

func (c *channel) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-c.session.out:
			if err := c.client.Publish(ctx, c.name, payload).Err(); err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("publish failed")
			}
		}
	}
}

// lose tears the channel down after a connection failure.
func (c *channel) lose(err error) {
	if !c.session.disconnect(err) {
		return
	}
	c.logger.Warn().Err(err).Msg("redis channel lost")
	c.cancel()
	c.leaveOnce.Do(func() { _ = c.sub.Close() })
}

func (c *channel) receiveLoop(ctx context.Context) {
	ch := c.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					c.lose(errSubscriptionClosed)
				}
				return
			}
			if !c.session.handle([]byte(msg.Payload)) {
				c.logger.Warn().Msg("dropping unrecognised redis frame")
			}
		}
	}
}

// heartbeatLoop announces this peer, expires silent ones, and gives up on
// the channel after missedHeartbeats failed pings in a row.
func (c *channel) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := c.client.Ping(pingCtx).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				failures++
				c.logger.Warn().Err(err).Int("failures", failures).Msg("redis ping failed")
				if failures >= missedHeartbeats {
					c.lose(fmt.Errorf("redis unreachable: %w", err))
					return
				}
				continue
			}
			failures = 0
			_ = c.session.enqueue(framePing, nil)
			c.session.expire()
		}
	}
}
