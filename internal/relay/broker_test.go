package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMemoryBrokerDeliversPerDocument(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()

	var got []Envelope
	unsubscribe, err := broker.Subscribe(ctx, "proposal-1", func(e Envelope) { got = append(got, e) })
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "proposal-1", Envelope{Instance: "a", Message: []byte(`{}`)}))
	require.NoError(t, broker.Publish(ctx, "proposal-2", Envelope{Instance: "a", Message: []byte(`{}`)}))
	unsubscribe()
	require.NoError(t, broker.Publish(ctx, "proposal-1", Envelope{Instance: "a", Message: []byte(`{}`)}))

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Instance)
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	broker, err := NewRedisBroker("redis://"+mr.Addr(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer broker.Close()

	ctx := context.Background()
	require.NoError(t, broker.Ping(ctx))

	received := make(chan Envelope, 1)
	unsubscribe, err := broker.Subscribe(ctx, "proposal-7", func(e Envelope) { received <- e })
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, broker.Publish(ctx, "proposal-7", Envelope{
		Instance: "relay-a",
		Target:   "relay-b",
		Message:  []byte(`{"type":"update"}`),
	}))

	select {
	case envelope := <-received:
		assert.Equal(t, "relay-a", envelope.Instance)
		assert.Equal(t, "relay-b", envelope.Target)
		assert.JSONEq(t, `{"type":"update"}`, string(envelope.Message))
	case <-time.After(3 * time.Second):
		t.Fatal("envelope not delivered")
	}
	assert.Equal(t, []string{"collab:proposal-7"}, mr.PubSubChannels(""))
}

func TestNewRedisBrokerRejectsBadURL(t *testing.T) {
	_, err := NewRedisBroker("not a url", nil)
	require.Error(t, err)
}
