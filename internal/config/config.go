// Package config loads node and relay settings from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/x1erra/xierraxyz/internal/logging"
)

// Transport drivers.
const (
	DriverMemory = "memory"
	DriverRelay  = "relay"
	DriverRedis  = "redis"
	DriverP2P    = "p2p"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Transport TransportConfig `mapstructure:"transport"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Room      RoomConfig      `mapstructure:"room"`
	Log       logging.Config  `mapstructure:"log"`
}

// ServerConfig is the local node's UI API listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// RelayConfig configures the relay server binary.
type RelayConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
}

type TransportConfig struct {
	Driver string               `mapstructure:"driver"`
	Relay  RelayClientConfig    `mapstructure:"relay"`
	Redis  RedisTransportConfig `mapstructure:"redis"`
	P2P    P2PConfig            `mapstructure:"p2p"`
}

type RelayClientConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	SendBuffer       int           `mapstructure:"send_buffer"`
}

type RedisTransportConfig struct {
	Address           string        `mapstructure:"address"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	PoolSize          int           `mapstructure:"pool_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ChannelPrefix     string        `mapstructure:"channel_prefix"`
}

type P2PConfig struct {
	Listen    []string `mapstructure:"listen"`
	Bootstrap []string `mapstructure:"bootstrap"`
}

type BootstrapConfig struct {
	RequestDelay        time.Duration `mapstructure:"request_delay"`
	PushDelay           time.Duration `mapstructure:"push_delay"`
	AntiEntropyInterval time.Duration `mapstructure:"anti_entropy_interval"`
}

type RoomConfig struct {
	Username       string `mapstructure:"username"`
	MaxChatHistory int    `mapstructure:"max_chat_history"`
}

// Load reads configFile when given, otherwise looks for theatre.yaml in
// the working directory and ./config. A missing default file is not an
// error.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("theatre")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)

	v.SetDefault("relay.host", "0.0.0.0")
	v.SetDefault("relay.port", 8090)
	v.SetDefault("relay.send_buffer", 64)
	v.SetDefault("relay.max_message_size", 65536)
	v.SetDefault("relay.ping_interval", "30s")
	v.SetDefault("relay.pong_wait", "60s")
	v.SetDefault("relay.write_wait", "10s")

	v.SetDefault("transport.driver", DriverRelay)
	v.SetDefault("transport.relay.url", "ws://127.0.0.1:8090")
	v.SetDefault("transport.relay.handshake_timeout", "10s")
	v.SetDefault("transport.relay.send_buffer", 64)
	v.SetDefault("transport.redis.address", "localhost:6379")
	v.SetDefault("transport.redis.password", "")
	v.SetDefault("transport.redis.db", 0)
	v.SetDefault("transport.redis.pool_size", 10)
	v.SetDefault("transport.redis.heartbeat_interval", "5s")
	v.SetDefault("transport.redis.channel_prefix", "theatre:room:")
	v.SetDefault("transport.p2p.listen", []string{"/ip4/0.0.0.0/tcp/0"})
	v.SetDefault("transport.p2p.bootstrap", []string{})

	v.SetDefault("bootstrap.request_delay", "1s")
	v.SetDefault("bootstrap.push_delay", "500ms")
	v.SetDefault("bootstrap.anti_entropy_interval", "30s")

	v.SetDefault("room.username", "")
	v.SetDefault("room.max_chat_history", 200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service", "theatre")
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("transport.driver", "THEATRE_TRANSPORT")
	_ = v.BindEnv("transport.relay.url", "RELAY_URL")
	_ = v.BindEnv("transport.redis.address", "REDIS_ADDRESS")
	_ = v.BindEnv("transport.redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("transport.p2p.bootstrap", "P2P_BOOTSTRAP")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Transport.Driver {
	case DriverMemory, DriverRelay, DriverRedis, DriverP2P:
	default:
		return fmt.Errorf("unknown transport driver %q", c.Transport.Driver)
	}
	if c.Server.Port <= 0 || c.Relay.Port <= 0 {
		return errors.New("ports must be positive")
	}
	if c.Bootstrap.RequestDelay < 0 || c.Bootstrap.PushDelay < 0 || c.Bootstrap.AntiEntropyInterval < 0 {
		return errors.New("bootstrap durations must not be negative")
	}
	return nil
}

func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (r RelayConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}
