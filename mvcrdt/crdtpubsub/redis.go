package crdtpubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisPubSub implements PubSub over Redis channels. Each subscription holds
// its own Redis connection. The client is owned by the caller and is not
// closed by Close.
type RedisPubSub struct {
	// client is the Redis client.
	client *redis.Client
	// options contains the configuration options.
	options *Options
	// subscriptions is keyed by topic, then subscriber id.
	subscriptions map[string]map[string]*redisSubscription
	// mutex protects subscriptions and closed.
	mutex sync.Mutex
	// closed indicates whether the PubSub has been closed.
	closed bool
}

// redisSubscription represents a subscription to a Redis channel.
type redisSubscription struct {
	topic        string
	subscriberID string
	pubsub       *redis.PubSub
	handler      SubscriberFunc
	ctx          context.Context
	cancel       context.CancelFunc
	// done is closed when the receive loop has returned.
	done chan struct{}
}

// NewRedisPubSub creates a new RedisPubSub and checks the connection.
func NewRedisPubSub(client *redis.Client, options *Options) (*RedisPubSub, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	if options == nil {
		options = NewOptions()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisPubSub{
		client:        client,
		options:       options,
		subscriptions: make(map[string]map[string]*redisSubscription),
	}, nil
}

// PublishRaw publishes data to the Redis channel named topic.
func (ps *RedisPubSub) PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error {
	ps.mutex.Lock()
	closed := ps.closed
	ps.mutex.Unlock()
	if closed {
		return ErrClosed
	}

	msgData, err := json.Marshal(Message{
		Topic:   topic,
		Payload: data,
		Format:  ps.options.format(format),
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode message")
	}

	if err := ps.client.Publish(ctx, topic, msgData).Err(); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", topic)
	}
	return nil
}

// Subscribe subscribes to the Redis channel named topic.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return ErrClosed
	}
	if _, ok := ps.subscriptions[topic][subscriberID]; ok {
		return errors.Errorf("already subscribed to topic %s with subscriberID %s", topic, subscriberID)
	}

	pubsub := ps.client.Subscribe(ctx, topic)
	// Wait for the subscription to be confirmed so that no message
	// published after Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return errors.Wrapf(err, "failed to subscribe to %s", topic)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		topic:        topic,
		subscriberID: subscriberID,
		pubsub:       pubsub,
		handler:      handler,
		ctx:          subCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	if ps.subscriptions[topic] == nil {
		ps.subscriptions[topic] = make(map[string]*redisSubscription)
	}
	ps.subscriptions[topic][subscriberID] = sub

	go sub.receive()

	logger.Debugf("%s subscribed to redis channel %s", subscriberID, topic)
	return nil
}

// receive hands every message of the channel to the handler.
func (s *redisSubscription) receive() {
	defer close(s.done)

	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				logger.Warnf("failed to decode message on %s: %v", msg.Channel, err)
				continue
			}

			if err := s.handler(s.ctx, msg.Channel, m.Payload, m.Format); err != nil {
				logger.Warnf("subscriber %s failed to handle message on %s: %v", s.subscriberID, msg.Channel, err)
			}
		}
	}
}

func (s *redisSubscription) close() error {
	s.cancel()
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Unsubscribe removes the subscription of subscriberID from topic.
func (ps *RedisPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return ErrClosed
	}

	sub, ok := ps.subscriptions[topic][subscriberID]
	if !ok {
		return errors.Errorf("not subscribed to topic %s with subscriberID %s", topic, subscriberID)
	}

	delete(ps.subscriptions[topic], subscriberID)
	if len(ps.subscriptions[topic]) == 0 {
		delete(ps.subscriptions, topic)
	}

	if err := sub.close(); err != nil {
		return errors.Wrapf(err, "failed to unsubscribe from %s", topic)
	}
	return nil
}

// Close closes every subscription. Closing twice is a no-op.
func (ps *RedisPubSub) Close() error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return nil
	}
	ps.closed = true

	var firstErr error
	for _, subs := range ps.subscriptions {
		for _, sub := range subs {
			if err := sub.close(); err != nil && firstErr == nil {
				firstErr = errors.Wrap(err, "failed to close subscription")
			}
		}
	}
	ps.subscriptions = make(map[string]map[string]*redisSubscription)
	return firstErr
}
