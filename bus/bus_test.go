package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devskill-org/microgrid-coordinator/protocol"
)

func TestMangosBusPublishSubscribeRoundTrip(t *testing.T) {
	publisher, err := NewMangosBus("inproc://bus_test_1", nil, nil)
	require.NoError(t, err)
	defer publisher.Close()

	subscriber, err := NewMangosBus("inproc://bus_test_1_sub", []string{"inproc://bus_test_1"}, nil)
	require.NoError(t, err)
	defer subscriber.Close()

	received := make(chan Envelope, 1)
	require.NoError(t, subscriber.Subscribe(protocol.TopicEnergyMarket, func(env Envelope) {
		received <- env
	}))

	// mangos pub/sub has no synchronous connect handshake; give the dial a
	// moment to complete before publishing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, publisher.Publish(protocol.TopicEnergyMarket, []byte(`{"rate":5}`)))

	select {
	case env := <-received:
		require.Equal(t, protocol.TopicEnergyMarket, env.Topic)
		require.JSONEq(t, `{"rate":5}`, string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMangosBusIgnoresUnsubscribedTopics(t *testing.T) {
	publisher, err := NewMangosBus("inproc://bus_test_2", nil, nil)
	require.NoError(t, err)
	defer publisher.Close()

	subscriber, err := NewMangosBus("inproc://bus_test_2_sub", []string{"inproc://bus_test_2"}, nil)
	require.NoError(t, err)
	defer subscriber.Close()

	received := make(chan Envelope, 1)
	require.NoError(t, subscriber.Subscribe(protocol.TopicFREG, func(env Envelope) {
		received <- env
	}))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, publisher.Publish(protocol.TopicWeatherService, []byte(`{}`)))

	select {
	case <-received:
		t.Fatal("handler for FREG should not fire for a weatherservice publish")
	case <-time.After(200 * time.Millisecond):
	}
}
