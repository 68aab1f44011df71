package crdtpubsub

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
)

var logger = logging.Logger("mvcrdt/crdtpubsub")

// ErrClosed is returned by every operation of a closed PubSub.
var ErrClosed = errors.New("pubsub is closed")

// EncodingFormat represents the format used to encode collection snapshots.
type EncodingFormat string

const (
	// EncodingFormatJSON represents JSON encoding.
	EncodingFormatJSON EncodingFormat = "json"
	// EncodingFormatBase64 represents base64-wrapped JSON encoding.
	EncodingFormatBase64 EncodingFormat = "base64"
)

// Message is the frame carried by transports that have no notion of format,
// such as Redis channels and gossipsub topics.
type Message struct {
	// Topic is the topic the message was published to.
	Topic string `json:"topic"`
	// Payload is the encoded data.
	Payload []byte `json:"payload"`
	// Format is the encoding format used for the payload.
	Format EncodingFormat `json:"format"`
}

// SubscriberFunc handles the raw data received on a topic.
type SubscriberFunc func(ctx context.Context, topic string, data []byte, format EncodingFormat) error

// Publisher publishes raw data to topics.
type Publisher interface {
	// PublishRaw publishes data to the specified topic.
	PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error
	// Close closes the publisher.
	Close() error
}

// Subscriber delivers the data published on topics to handlers.
type Subscriber interface {
	// Subscribe calls handler for each message received on topic until
	// Unsubscribe is called or ctx is done.
	Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error
	// Unsubscribe removes the subscription of subscriberID from topic.
	Unsubscribe(ctx context.Context, topic string, subscriberID string) error
	// Close closes the subscriber.
	Close() error
}

// PubSub combines the Publisher and Subscriber interfaces.
type PubSub interface {
	Publisher
	Subscriber
}

var (
	_ PubSub = (*MemoryPubSub)(nil)
	_ PubSub = (*RedisPubSub)(nil)
	_ PubSub = (*LibP2PPubSub)(nil)
)

// Options represents configuration options for a PubSub implementation.
type Options struct {
	// DefaultFormat is used when PublishRaw is called without a format.
	DefaultFormat EncodingFormat
	// ClientID identifies this client in log messages.
	ClientID string
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		DefaultFormat: EncodingFormatJSON,
	}
}

func (o *Options) format(f EncodingFormat) EncodingFormat {
	if f == "" {
		return o.DefaultFormat
	}
	return f
}
