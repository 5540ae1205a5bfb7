package pubsub

import (
	"fmt"
	"time"

	"github.com/weiawesome/image-pipeline/pkg/idgen"
)

// Config holds the configuration for the message bus.
type Config struct {
	Driver            string        `mapstructure:"driver"` // "kafka", "redis", "amqp", "memory"
	GroupID           string        `mapstructure:"group_id"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	Concurrency       int           `mapstructure:"concurrency"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	IDStrategy        string        `mapstructure:"id_strategy"`

	Kafka KafkaConfig `mapstructure:"kafka"`
	Redis RedisConfig `mapstructure:"redis"`
	AMQP  AMQPConfig  `mapstructure:"amqp"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Driver:            "memory",
		GroupID:           "image-pipeline",
		MaxAttempts:       5,
		RetryBackoff:      2 * time.Second,
		Concurrency:       4,
		VisibilityTimeout: 30 * time.Second,
		IDStrategy:        "uuid",
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
	}
}

// Options derives the driver-independent delivery options.
func (c Config) Options() (Options, error) {
	ids, err := idgen.New(c.IDStrategy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Policy: RetryPolicy{
			MaxAttempts: c.MaxAttempts,
			Backoff:     c.RetryBackoff,
		},
		IDs:               ids,
		GroupID:           c.GroupID,
		Concurrency:       c.Concurrency,
		VisibilityTimeout: c.VisibilityTimeout,
	}, nil
}

// NewBus creates a Bus based on the configuration.
func NewBus(cfg Config) (Bus, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case "kafka":
		return NewKafkaBus(cfg.Kafka, opts)
	case "redis":
		return NewRedisBus(cfg.Redis, opts)
	case "amqp", "rabbitmq":
		return NewAMQPBus(cfg.AMQP, opts)
	case "memory", "":
		return NewMemoryBus(opts), nil
	default:
		return nil, fmt.Errorf("unsupported bus driver: %s", cfg.Driver)
	}
}
