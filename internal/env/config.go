package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/foilen/relay/client"
	"github.com/foilen/relay/protocol"
)

type Config struct {
	// Codec is the wire codec, "yaml" or "json"
	Codec        string        `env:"RELAY_CODEC,default=yaml"`
	MaxFrameSize int           `env:"RELAY_MAX_FRAME_SIZE,default=4194304"`
	ReadTimeout  time.Duration `env:"RELAY_READ_TIMEOUT,default=0s"`
	DialTimeout  time.Duration `env:"RELAY_DIAL_TIMEOUT,default=5s"`

	BackoffInitial    time.Duration `env:"RELAY_BACKOFF_INITIAL,default=100ms"`
	BackoffMax        time.Duration `env:"RELAY_BACKOFF_MAX,default=5s"`
	BackoffMultiplier float64       `env:"RELAY_BACKOFF_MULTIPLIER,default=2"`
	BackoffJitter     float64       `env:"RELAY_BACKOFF_JITTER,default=0.2"`
	BackoffRetries    uint64        `env:"RELAY_BACKOFF_RETRIES,default=10"`

	LogLevel  string `env:"RELAY_LOG_LEVEL,default=info"`
	DebugHTTP bool   `env:"RELAY_DEBUG_HTTP"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	if _, err := protocol.CodecByName(config.Codec); err != nil {
		return nil, err
	}

	return &config, nil
}

// WireCodec returns the configured codec.
func (c *Config) WireCodec() protocol.Codec {
	codec, err := protocol.CodecByName(c.Codec)
	if err != nil {
		return protocol.YAML
	}

	return codec
}

func (c *Config) Backoff() client.Backoff {
	return client.Backoff{
		InitialInterval:     c.BackoffInitial,
		MaxInterval:         c.BackoffMax,
		Multiplier:          c.BackoffMultiplier,
		RandomizationFactor: c.BackoffJitter,
		MaxRetries:          c.BackoffRetries,
	}
}
