package crdtpubsub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
)

// LibP2POptions configures the libp2p host behind a LibP2PPubSub.
type LibP2POptions struct {
	// ListenAddrs are the addresses the host listens on.
	ListenAddrs []multiaddr.Multiaddr
	// BootstrapPeers are full /p2p addresses of peers to connect to on start.
	BootstrapPeers []multiaddr.Multiaddr
}

// DefaultLibP2POptions listens on a random local TCP port with no bootstrap peers.
func DefaultLibP2POptions() *LibP2POptions {
	return &LibP2POptions{
		ListenAddrs: []multiaddr.Multiaddr{multiaddr.StringCast("/ip4/127.0.0.1/tcp/0")},
	}
}

// LibP2PPubSub implements PubSub over libp2p gossipsub. Topics are joined on
// first use.
type LibP2PPubSub struct {
	host    host.Host
	gossip  *pubsub.PubSub
	options *Options

	// topics holds the joined gossipsub topics by name.
	topics map[string]*pubsub.Topic
	// subscriptions is keyed by topic, then subscriber id.
	subscriptions map[string]map[string]*libp2pSubscription

	mutex  sync.Mutex
	closed bool
	cancel context.CancelFunc
}

type libp2pSubscription struct {
	subscriberID string
	sub          *pubsub.Subscription
	handler      SubscriberFunc
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewLibP2PPubSub starts a libp2p host with gossipsub and connects to the
// bootstrap peers. Bootstrap failures are logged, not returned.
func NewLibP2PPubSub(ctx context.Context, p2pOpts *LibP2POptions, options *Options) (*LibP2PPubSub, error) {
	if p2pOpts == nil {
		p2pOpts = DefaultLibP2POptions()
	}
	if options == nil {
		options = NewOptions()
	}

	h, err := libp2p.New(
		libp2p.ListenAddrs(p2pOpts.ListenAddrs...),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create libp2p host")
	}

	logger.Infof("libp2p host created. ID: %s", h.ID())
	for _, addr := range h.Addrs() {
		logger.Debugf("Listening on: %s/p2p/%s", addr, h.ID())
	}

	psCtx, cancel := context.WithCancel(context.Background())
	gossip, err := pubsub.NewGossipSub(psCtx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, errors.Wrap(err, "failed to create gossipsub")
	}

	ps := &LibP2PPubSub{
		host:          h,
		gossip:        gossip,
		options:       options,
		topics:        make(map[string]*pubsub.Topic),
		subscriptions: make(map[string]map[string]*libp2pSubscription),
		cancel:        cancel,
	}

	for _, addr := range p2pOpts.BootstrapPeers {
		if err := ps.Connect(ctx, addr); err != nil {
			logger.Warnf("Failed to connect to bootstrap peer %s: %v", addr, err)
		}
	}
	return ps, nil
}

// Host returns the underlying libp2p host.
func (ps *LibP2PPubSub) Host() host.Host {
	return ps.host
}

// AddrInfo returns the host's id and listen addresses.
func (ps *LibP2PPubSub) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: ps.host.ID(), Addrs: ps.host.Addrs()}
}

// Addrs returns the full /p2p addresses other peers can bootstrap from.
func (ps *LibP2PPubSub) Addrs() ([]multiaddr.Multiaddr, error) {
	info := ps.AddrInfo()
	return peer.AddrInfoToP2pAddrs(&info)
}

// Connect dials the peer at the full /p2p address addr.
func (ps *LibP2PPubSub) Connect(ctx context.Context, addr multiaddr.Multiaddr) error {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return errors.Wrapf(err, "invalid peer address %s", addr)
	}
	if info.ID == ps.host.ID() {
		return nil
	}

	if err := ps.host.Connect(ctx, *info); err != nil {
		return errors.Wrapf(err, "failed to connect to %s", info.ID)
	}
	logger.Infof("Connected to peer: %s", info.ID)
	return nil
}

// ListPeers returns the peers known to be subscribed to topic.
func (ps *LibP2PPubSub) ListPeers(topic string) []peer.ID {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	t, ok := ps.topics[topic]
	if !ok {
		return nil
	}
	return t.ListPeers()
}

// join returns the joined topic. The caller holds the mutex.
func (ps *LibP2PPubSub) join(topic string) (*pubsub.Topic, error) {
	if t, ok := ps.topics[topic]; ok {
		return t, nil
	}

	t, err := ps.gossip.Join(topic)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to join topic %s", topic)
	}
	ps.topics[topic] = t
	return t, nil
}

// PublishRaw publishes data to the gossipsub topic.
func (ps *LibP2PPubSub) PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return ErrClosed
	}
	t, err := ps.join(topic)
	ps.mutex.Unlock()
	if err != nil {
		return err
	}

	msgData, err := json.Marshal(Message{
		Topic:   topic,
		Payload: data,
		Format:  ps.options.format(format),
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode message")
	}

	if err := t.Publish(ctx, msgData); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", topic)
	}
	return nil
}

// Subscribe subscribes to the gossipsub topic. Messages published by this
// host are delivered too.
func (ps *LibP2PPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return ErrClosed
	}
	if _, ok := ps.subscriptions[topic][subscriberID]; ok {
		return errors.Errorf("already subscribed to topic %s with subscriberID %s", topic, subscriberID)
	}

	t, err := ps.join(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return errors.Wrapf(err, "failed to subscribe to topic %s", topic)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &libp2pSubscription{
		subscriberID: subscriberID,
		sub:          sub,
		handler:      handler,
		ctx:          subCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	if ps.subscriptions[topic] == nil {
		ps.subscriptions[topic] = make(map[string]*libp2pSubscription)
	}
	ps.subscriptions[topic][subscriberID] = s

	go s.receive(topic)
	return nil
}

func (s *libp2pSubscription) receive(topic string) {
	defer close(s.done)

	for {
		msg, err := s.sub.Next(s.ctx)
		if err != nil {
			// Cancelled subscription or context
			return
		}

		var m Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			logger.Warnf("failed to decode message from %s on %s: %v", msg.ReceivedFrom, topic, err)
			continue
		}

		if err := s.handler(s.ctx, topic, m.Payload, m.Format); err != nil {
			logger.Warnf("subscriber %s failed to handle message on %s: %v", s.subscriberID, topic, err)
		}
	}
}

func (s *libp2pSubscription) close() {
	s.cancel()
	s.sub.Cancel()
	<-s.done
}

// Unsubscribe removes the subscription of subscriberID from topic.
func (ps *LibP2PPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return ErrClosed
	}

	s, ok := ps.subscriptions[topic][subscriberID]
	if !ok {
		return errors.Errorf("not subscribed to topic %s with subscriberID %s", topic, subscriberID)
	}
	delete(ps.subscriptions[topic], subscriberID)
	if len(ps.subscriptions[topic]) == 0 {
		delete(ps.subscriptions, topic)
	}

	s.close()
	return nil
}

// Close cancels every subscription, leaves every topic and shuts the host down.
func (ps *LibP2PPubSub) Close() error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return nil
	}
	ps.closed = true

	for _, subs := range ps.subscriptions {
		for _, s := range subs {
			s.close()
		}
	}
	ps.subscriptions = make(map[string]map[string]*libp2pSubscription)

	for name, t := range ps.topics {
		if err := t.Close(); err != nil {
			logger.Warnf("failed to close topic %s: %v", name, err)
		}
	}
	ps.topics = make(map[string]*pubsub.Topic)

	ps.cancel()
	if err := ps.host.Close(); err != nil {
		return errors.Wrap(err, "failed to close libp2p host")
	}
	return nil
}
