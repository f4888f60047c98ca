package main

import (
	"context"
	"fmt"

	"github.com/x1erra/xierraxyz/internal/config"
	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/transport"
	"github.com/x1erra/xierraxyz/internal/transport/memory"
	"github.com/x1erra/xierraxyz/internal/transport/p2p"
	"github.com/x1erra/xierraxyz/internal/transport/redis"
	"github.com/x1erra/xierraxyz/internal/transport/relay"
)

// newDialer builds the transport named by cfg.Driver. The returned close
// function releases whatever the driver holds open.
func newDialer(ctx context.Context, cfg config.TransportConfig) (transport.Dialer, func(), error) {
	logger := logging.L()
	noop := func() {}

	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewBus(), noop, nil
	case config.DriverRelay:
		return relay.NewDialer(relay.Config{
			URL:              cfg.Relay.URL,
			HandshakeTimeout: cfg.Relay.HandshakeTimeout,
			SendBuffer:       cfg.Relay.SendBuffer,
		}), noop, nil
	case config.DriverRedis:
		d, err := redis.NewDialer(ctx, redis.Config{
			Address:           cfg.Redis.Address,
			Password:          cfg.Redis.Password,
			DB:                cfg.Redis.DB,
			PoolSize:          cfg.Redis.PoolSize,
			HeartbeatInterval: cfg.Redis.HeartbeatInterval,
			ChannelPrefix:     cfg.Redis.ChannelPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return d, func() {
			if err := d.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing redis client")
			}
		}, nil
	case config.DriverP2P:
		n, err := p2p.NewNode(ctx, p2p.Config{
			Listen:    cfg.P2P.Listen,
			Bootstrap: cfg.P2P.Bootstrap,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str(logging.FieldPeerID, n.ID()).Strs("addrs", n.Addrs()).Msg("p2p node listening")
		return n, func() {
			if err := n.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing p2p node")
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport driver %q", cfg.Driver)
	}
}
