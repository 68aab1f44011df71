package crdtpubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"

	"github.com/concordant/c-sudoku/mvcrdt/common"
)

const (
	// DefaultPeerRegistryKey is the Redis hash holding the peer records.
	DefaultPeerRegistryKey = "mvcrdt:peers"
	// DefaultPeerTTL is how long a record stays valid without a heartbeat.
	DefaultPeerTTL = 60 * time.Second
)

// PeerRecord is what a replica advertises about its libp2p host.
type PeerRecord struct {
	ID       string           `json:"id"`
	Replica  common.ReplicaID `json:"replica"`
	Addrs    []string         `json:"addrs"`
	LastSeen time.Time        `json:"lastSeen"`
}

// PeerRegistry lets libp2p replicas running in different processes find
// bootstrap peers through a Redis hash.
type PeerRegistry struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewPeerRegistry creates a registry. Empty key and zero ttl select the defaults.
func NewPeerRegistry(client *redis.Client, key string, ttl time.Duration) (*PeerRegistry, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if key == "" {
		key = DefaultPeerRegistryKey
	}
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}
	return &PeerRegistry{client: client, key: key, ttl: ttl}, nil
}

// Register advertises info on behalf of replica, refreshing its LastSeen.
func (r *PeerRegistry) Register(ctx context.Context, replica common.ReplicaID, info peer.AddrInfo) error {
	addrs := make([]string, len(info.Addrs))
	for i, addr := range info.Addrs {
		addrs[i] = addr.String()
	}

	data, err := json.Marshal(PeerRecord{
		ID:       info.ID.String(),
		Replica:  replica,
		Addrs:    addrs,
		LastSeen: time.Now(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal peer record")
	}

	if err := r.client.HSet(ctx, r.key, info.ID.String(), data).Err(); err != nil {
		return errors.Wrapf(err, "failed to register peer %s", info.ID)
	}
	return nil
}

// Unregister removes the record of id.
func (r *PeerRegistry) Unregister(ctx context.Context, id peer.ID) error {
	return r.client.HDel(ctx, r.key, id.String()).Err()
}

// records returns the decoded records, live ones first, and the ids of
// stale or undecodable ones.
func (r *PeerRegistry) records(ctx context.Context) ([]PeerRecord, []string, error) {
	data, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get peers")
	}

	now := time.Now()
	live := make([]PeerRecord, 0, len(data))
	var stale []string
	for id, raw := range data {
		var rec PeerRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || now.Sub(rec.LastSeen) > r.ttl {
			stale = append(stale, id)
			continue
		}
		live = append(live, rec)
	}
	return live, stale, nil
}

// Peers returns the live peers other than exclude.
func (r *PeerRegistry) Peers(ctx context.Context, exclude peer.ID) ([]peer.AddrInfo, error) {
	records, _, err := r.records(ctx)
	if err != nil {
		return nil, err
	}

	peers := make([]peer.AddrInfo, 0, len(records))
	for _, rec := range records {
		id, err := peer.Decode(rec.ID)
		if err != nil || id == exclude {
			continue
		}

		addrs := make([]multiaddr.Multiaddr, 0, len(rec.Addrs))
		for _, s := range rec.Addrs {
			addr, err := multiaddr.NewMultiaddr(s)
			if err != nil {
				continue
			}
			addrs = append(addrs, addr)
		}
		peers = append(peers, peer.AddrInfo{ID: id, Addrs: addrs})
	}
	return peers, nil
}

// BootstrapAddrs returns the full /p2p addresses of the live peers other than
// exclude, ready for LibP2POptions.BootstrapPeers.
func (r *PeerRegistry) BootstrapAddrs(ctx context.Context, exclude peer.ID) ([]multiaddr.Multiaddr, error) {
	peers, err := r.Peers(ctx, exclude)
	if err != nil {
		return nil, err
	}

	var addrs []multiaddr.Multiaddr
	for i := range peers {
		p2pAddrs, err := peer.AddrInfoToP2pAddrs(&peers[i])
		if err != nil {
			continue
		}
		addrs = append(addrs, p2pAddrs...)
	}
	return addrs, nil
}

// Cleanup removes stale and undecodable records.
func (r *PeerRegistry) Cleanup(ctx context.Context) error {
	_, stale, err := r.records(ctx)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	return r.client.HDel(ctx, r.key, stale...).Err()
}

// Heartbeat re-registers the host of ps every interval and removes stale
// records, until ctx is done.
func (r *PeerRegistry) Heartbeat(ctx context.Context, replica common.ReplicaID, ps *LibP2PPubSub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Register(ctx, replica, ps.AddrInfo()); err != nil {
				logger.Warnf("heartbeat of %s failed: %v", replica, err)
			}
			if err := r.Cleanup(ctx); err != nil {
				logger.Warnf("peer cleanup failed: %v", err)
			}
		}
	}
}
