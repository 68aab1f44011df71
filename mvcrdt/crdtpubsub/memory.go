package crdtpubsub

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MemoryPubSub implements PubSub for replicas living in the same process.
// Each message is handed to every subscriber of its topic in its own
// goroutine, so delivery order is not guaranteed.
type MemoryPubSub struct {
	// options contains the configuration options.
	options *Options
	// subscriptions is a map of topic to subscriptions.
	subscriptions map[string][]*memorySubscription
	// mutex protects subscriptions and closed.
	mutex sync.RWMutex
	// closed indicates whether the PubSub has been closed.
	closed bool
}

// memorySubscription represents a subscription to an in-memory topic.
type memorySubscription struct {
	topic        string
	subscriberID string
	handler      SubscriberFunc
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewMemoryPubSub creates a new MemoryPubSub with the specified options.
func NewMemoryPubSub(options *Options) *MemoryPubSub {
	if options == nil {
		options = NewOptions()
	}

	return &MemoryPubSub{
		options:       options,
		subscriptions: make(map[string][]*memorySubscription),
	}
}

// PublishRaw delivers data to all subscribers of topic.
func (ps *MemoryPubSub) PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()

	if ps.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	format = ps.options.format(format)
	for _, sub := range ps.subscriptions[topic] {
		select {
		case <-sub.ctx.Done():
			continue
		default:
		}

		// Subscribers must not share the publisher's buffer
		payload := make([]byte, len(data))
		copy(payload, data)

		go func(s *memorySubscription) {
			if s.ctx.Err() != nil {
				return
			}
			if err := s.handler(s.ctx, topic, payload, format); err != nil {
				logger.Warnf("subscriber %s failed to handle message on %s: %v", s.subscriberID, topic, err)
			}
		}(sub)
	}
	return nil
}

// Subscribe registers handler for topic under subscriberID.
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return ErrClosed
	}

	for _, sub := range ps.subscriptions[topic] {
		if sub.subscriberID == subscriberID {
			return errors.Errorf("already subscribed to topic %s with subscriberID %s", topic, subscriberID)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	ps.subscriptions[topic] = append(ps.subscriptions[topic], &memorySubscription{
		topic:        topic,
		subscriberID: subscriberID,
		handler:      handler,
		ctx:          subCtx,
		cancel:       cancel,
	})

	logger.Debugf("%s subscribed to %s", subscriberID, topic)
	return nil
}

// Unsubscribe removes the subscription of subscriberID from topic.
func (ps *MemoryPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return ErrClosed
	}

	subscribers := ps.subscriptions[topic]
	remaining := make([]*memorySubscription, 0, len(subscribers))
	found := false
	for _, sub := range subscribers {
		if sub.subscriberID == subscriberID {
			sub.cancel()
			found = true
			continue
		}
		remaining = append(remaining, sub)
	}

	if !found {
		return errors.Errorf("not subscribed to topic %s with subscriberID %s", topic, subscriberID)
	}

	if len(remaining) == 0 {
		delete(ps.subscriptions, topic)
	} else {
		ps.subscriptions[topic] = remaining
	}
	return nil
}

// Close cancels every subscription. Closing twice is a no-op.
func (ps *MemoryPubSub) Close() error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return nil
	}
	ps.closed = true

	for _, subscribers := range ps.subscriptions {
		for _, sub := range subscribers {
			sub.cancel()
		}
	}
	ps.subscriptions = make(map[string][]*memorySubscription)
	return nil
}
