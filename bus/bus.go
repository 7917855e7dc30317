// Package bus implements the topic-addressed pub/sub transport of spec.md
// component C1: JSON envelopes carrying message_sender/message_target
// headers, broadcast and unicast delivery, and a websocket fan-out so
// external dashboards can observe traffic without joining the mangos mesh.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/devskill-org/microgrid-coordinator/protocol"
)

// Envelope is the wire-level wrapper delivered to every Subscribe callback:
// the raw topic it arrived on plus the undecoded payload, so callers decode
// into the specific protocol.* type their subject implies.
type Envelope struct {
	Topic   protocol.Topic
	Payload []byte
}

// Handler processes one delivered envelope. MangosBus calls handlers from its
// receive goroutines, one per dialled peer, so handlers for messages from
// different peers may run concurrently with each other.
type Handler func(Envelope)

// Bus is the pub/sub transport every agent depends on. Implementations must
// be safe for concurrent Publish calls from multiple goroutines, since an
// agent's periodic tasks and message handlers each publish from their own
// goroutines.
type Bus interface {
	// Publish sends payload on topic. Delivery to subscribers is
	// best-effort; Publish does not block on slow subscribers.
	Publish(topic protocol.Topic, payload []byte) error

	// Subscribe registers h to be invoked for every message received on
	// topic. Multiple handlers may subscribe to the same topic.
	Subscribe(topic protocol.Topic, h Handler) error

	// Close releases the underlying transport.
	Close() error
}

// MangosBus is a Bus backed by nanomsg/mangos PUB/SUB sockets: one PUB
// socket this agent publishes on, and one SUB socket per remote endpoint
// this agent consumes from, mirroring the pack's replication.NNGSocketFactory
// pattern of one typed socket per role.
type MangosBus struct {
	pub mangos.Socket

	mu   sync.Mutex
	subs []mangos.Socket

	handlersMu sync.RWMutex
	handlers   map[protocol.Topic][]Handler

	logger *log.Logger

	cancel context.CancelFunc
}

// NewMangosBus creates a bus that listens for publishers on listenAddr (a
// mangos URL such as "tcp://0.0.0.0:40899") and dials zero or more peer
// addresses to receive their publications.
func NewMangosBus(listenAddr string, peerAddrs []string, logger *log.Logger) (*MangosBus, error) {
	if logger == nil {
		logger = log.Default()
	}

	pubSock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("bus: failed to create pub socket: %w", err)
	}
	if err := pubSock.Listen(listenAddr); err != nil {
		return nil, fmt.Errorf("bus: failed to listen on %s: %w", listenAddr, err)
	}

	b := &MangosBus{
		pub:      pubSock,
		handlers: make(map[protocol.Topic][]Handler),
		logger:   logger,
	}

	for _, addr := range peerAddrs {
		subSock, err := sub.NewSocket()
		if err != nil {
			pubSock.Close()
			return nil, fmt.Errorf("bus: failed to create sub socket: %w", err)
		}
		if err := subSock.SetOption(mangos.OptionSubscribe, []byte("")); err != nil {
			subSock.Close()
			pubSock.Close()
			return nil, fmt.Errorf("bus: failed to subscribe: %w", err)
		}
		if err := subSock.Dial(addr); err != nil {
			subSock.Close()
			pubSock.Close()
			return nil, fmt.Errorf("bus: failed to dial %s: %w", addr, err)
		}
		b.subs = append(b.subs, subSock)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	for _, s := range b.subs {
		go b.recvLoop(ctx, s)
	}

	return b, nil
}

type wireMessage struct {
	Topic   protocol.Topic  `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func (b *MangosBus) recvLoop(ctx context.Context, sock mangos.Socket) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Printf("bus: recv error: %v", err)
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			b.logger.Printf("bus: discarding malformed envelope: %v", err)
			continue
		}

		b.dispatch(Envelope{Topic: msg.Topic, Payload: msg.Payload})
	}
}

func (b *MangosBus) dispatch(env Envelope) {
	b.handlersMu.RLock()
	hs := append([]Handler(nil), b.handlers[env.Topic]...)
	b.handlersMu.RUnlock()

	for _, h := range hs {
		h(env)
	}
}

// Publish implements Bus.
func (b *MangosBus) Publish(topic protocol.Topic, payload []byte) error {
	wire, err := json.Marshal(wireMessage{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("bus: failed to encode envelope: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pub.Send(wire); err != nil {
		return fmt.Errorf("bus: publish failed: %w", err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *MangosBus) Subscribe(topic protocol.Topic, h Handler) error {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

// Close implements Bus.
func (b *MangosBus) Close() error {
	b.cancel()
	var firstErr error
	if err := b.pub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, s := range b.subs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
