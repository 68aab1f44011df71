package crdtpubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibP2PPubSub(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping libp2p test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := NewLibP2PPubSub(ctx, nil, nil)
	require.NoError(t, err)
	defer a.Close()

	addrs, err := a.Addrs()
	require.NoError(t, err)
	require.NotEmpty(t, addrs)

	opts := DefaultLibP2POptions()
	opts.BootstrapPeers = addrs
	b, err := NewLibP2PPubSub(ctx, opts, nil)
	require.NoError(t, err)
	defer b.Close()

	const topic = "mvcrdt-test"
	var ca, cb collector
	require.NoError(t, a.Subscribe(ctx, topic, "a", ca.handle))
	require.NoError(t, b.Subscribe(ctx, topic, "b", cb.handle))

	require.Eventually(t, func() bool {
		return len(a.ListPeers(topic)) > 0 && len(b.ListPeers(topic)) > 0
	}, 10*time.Second, 50*time.Millisecond)

	// Gossipsub may drop messages while the mesh forms
	require.Eventually(t, func() bool {
		if err := a.PublishRaw(ctx, topic, []byte("cell"), ""); err != nil {
			return false
		}
		return cb.count() > 0
	}, 10*time.Second, 200*time.Millisecond)

	msg := cb.messages()[0]
	assert.Equal(t, topic, msg.topic)
	assert.Equal(t, "cell", msg.data)
	assert.Equal(t, EncodingFormatJSON, msg.format)

	// The publisher receives its own messages too
	assert.Eventually(t, func() bool { return ca.count() > 0 }, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, b.Unsubscribe(ctx, topic, "b"))
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.PublishRaw(ctx, topic, []byte("x"), ""), ErrClosed)
}
