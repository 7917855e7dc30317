package bus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/devskill-org/microgrid-coordinator/protocol"
)

// fakeBus is a minimal in-memory Bus used to drive Dashboard without a real
// mangos transport.
type fakeBus struct {
	handlers map[protocol.Topic][]Handler
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[protocol.Topic][]Handler)}
}

func (f *fakeBus) Publish(topic protocol.Topic, payload []byte) error {
	for _, h := range f.handlers[topic] {
		h(Envelope{Topic: topic, Payload: payload})
	}
	return nil
}

func (f *fakeBus) Subscribe(topic protocol.Topic, h Handler) error {
	f.handlers[topic] = append(f.handlers[topic], h)
	return nil
}

func (f *fakeBus) Close() error { return nil }

func TestDashboardFansOutToWebsocketClients(t *testing.T) {
	fb := newFakeBus()
	d := NewDashboard(fb, []protocol.Topic{protocol.TopicEnergyMarket}, nil)

	server := httptest.NewServer(http.HandlerFunc(d.ServeHTTP))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Let the server register the client before publishing.
	require.Eventually(t, func() bool { return d.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, fb.Publish(protocol.TopicEnergyMarket, []byte(`{"rate":5}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), `"rate":5`)
}
