package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Limits holds the enforcement limits applied by the websocket layer.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Limits struct {
	// Connection caps
	MaxConnections       int `env:"PUSHI_MAX_CONNECTIONS" envDefault:"10000"`
	MaxConnectionsPerIP  int `env:"PUSHI_MAX_CONNECTIONS_PER_IP" envDefault:"100"`
	MaxConnectionsPerApp int `env:"PUSHI_MAX_CONNECTIONS_PER_APP" envDefault:"5000"`

	// Message and channel shape
	MaxMessageSize       int64 `env:"PUSHI_MAX_MESSAGE_SIZE" envDefault:"65536"`
	MaxChannelsPerSocket int   `env:"PUSHI_MAX_CHANNELS_PER_SOCKET" envDefault:"128"`
	MaxSocketsPerChannel int   `env:"PUSHI_MAX_SOCKETS_PER_CHANNEL" envDefault:"10000"`
	MaxChannelNameLength int   `env:"PUSHI_MAX_CHANNEL_NAME_LENGTH" envDefault:"200"`
	MaxEventNameLength   int   `env:"PUSHI_MAX_EVENT_NAME_LENGTH" envDefault:"200"`

	// Per-connection inbound rate limit: RateLimitMessages per RateLimitWindow
	RateLimitMessages int           `env:"PUSHI_RATE_LIMIT_MESSAGES" envDefault:"60"`
	RateLimitWindow   time.Duration `env:"PUSHI_RATE_LIMIT_WINDOW" envDefault:"10s"`

	// Outbound queue bound per connection; overflow disconnects the client
	SendQueueSize int `env:"PUSHI_SEND_QUEUE_SIZE" envDefault:"256"`
}

// LoadLimits parses the limit set from the environment.
// Priority: ENV vars > .env file (loaded beforehand) > defaults.
func LoadLimits() (Limits, error) {
	var limits Limits
	if err := env.Parse(&limits); err != nil {
		return Limits{}, fmt.Errorf("parse limits: %w", err)
	}
	return limits, nil
}
