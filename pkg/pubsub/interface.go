package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"time"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("pubsub: bus closed")

// Envelope is the unit of delivery. Data holds the original payload bytes;
// the remaining fields are delivery metadata. On the wire an Envelope is
// JSON, which base64-encodes Data.
type Envelope struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Data        []byte            `json:"data"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Attempt     int               `json:"attempt"`
	PublishedAt time.Time         `json:"published_at"`
}

// Unmarshal decodes the payload as JSON into v.
func (e *Envelope) Unmarshal(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Attribute returns the attribute value for key, or "".
func (e *Envelope) Attribute(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// clone returns a copy that can be mutated for redelivery.
func (e *Envelope) clone() *Envelope {
	c := *e
	c.Data = append([]byte(nil), e.Data...)
	c.Attributes = maps.Clone(e.Attributes)
	if c.Attributes == nil {
		c.Attributes = make(map[string]string)
	}
	return &c
}

// Handler processes one delivery. A non-nil error marks the attempt as
// failed and makes the envelope eligible for redelivery.
type Handler func(ctx context.Context, env *Envelope) error

// Publisher publishes payloads to a topic.
type Publisher interface {
	// Publish returns the message ID once the bus has acknowledged the message.
	Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error)
}

// Subscriber registers a handler for a topic. Deliveries run in the
// background until ctx is cancelled or the bus is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

// Bus combines Publisher and Subscriber.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
