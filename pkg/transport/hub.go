package transport

import (
	"context"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/diagramsync/pkg/errors"
)

// ErrConnectionLost is passed to OnDisconnect callbacks when an endpoint is
// disconnected with [Endpoint.Disconnect].
var ErrConnectionLost = errors.New(errors.ErrCodeTransport, "connection lost")

// Hub is an in-process broker. Each [Endpoint] obtained from [Hub.Channel]
// behaves like a separate client connection.
//
// Delivery is synchronous: Send returns after every connected subscriber's
// handler has run, on the sender's goroutine. Handlers may send again.
type Hub struct {
	logger *log.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[string][]*hubSub
}

type hubSub struct {
	id    uint64
	topic string
	ep    *Endpoint
	h     Handler
	gone  atomic.Bool
}

// NewHub creates an empty broker. A nil logger discards output.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Hub{logger: logger, subs: make(map[string][]*hubSub)}
}

// Channel returns a new, disconnected endpoint.
func (h *Hub) Channel() *Endpoint {
	return &Endpoint{hub: h, subs: make(map[uint64]*hubSub)}
}

// Publish delivers p to every connected subscriber of topic.
func (h *Hub) Publish(topic string, p Payload) error {
	data, err := Marshal(p)
	if err != nil {
		return err
	}
	h.deliver(topic, data)
	return nil
}

// Subscribers returns the number of subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

func (h *Hub) deliver(topic string, data []byte) {
	h.mu.Lock()
	targets := slices.Clone(h.subs[topic])
	h.mu.Unlock()

	h.logger.Debug("deliver", "topic", topic, "subscribers", len(targets))
	for _, s := range targets {
		if s.gone.Load() || !s.ep.Connected() {
			continue
		}
		// Every subscriber decodes its own copy.
		p, err := Unmarshal(data)
		if err != nil {
			h.logger.Warn("drop undecodable payload", "topic", topic, "err", err)
			return
		}
		s.h(p)
	}
}

func (h *Hub) add(s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s.id = h.nextID
	h.subs[s.topic] = append(h.subs[s.topic], s)
}

func (h *Hub) remove(s *hubSub) {
	s.gone.Store(true)
	h.mu.Lock()
	defer h.mu.Unlock()
	list := slices.DeleteFunc(h.subs[s.topic], func(o *hubSub) bool { return o == s })
	if len(list) == 0 {
		delete(h.subs, s.topic)
		return
	}
	h.subs[s.topic] = list
}

// Endpoint is one client connection to a [Hub]. It implements [Channel].
type Endpoint struct {
	hub *Hub

	mu        sync.Mutex
	connected bool
	closed    bool
	subs      map[uint64]*hubSub

	onConnect    Listeners[func()]
	onDisconnect Listeners[func(error)]
}

var _ Channel = (*Endpoint)(nil)

// Connect marks the endpoint connected and runs OnConnect callbacks if it was
// not connected before.
func (e *Endpoint) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.ErrCodeTransport, err, "connect")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New(errors.ErrCodeTransport, "endpoint closed")
	}
	if e.connected {
		e.mu.Unlock()
		return nil
	}
	e.connected = true
	e.mu.Unlock()

	for _, f := range e.onConnect.Snapshot() {
		f()
	}
	return nil
}

// Disconnect simulates a lost connection. Messages published while
// disconnected are not delivered to this endpoint.
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return
	}
	e.connected = false
	e.mu.Unlock()

	for _, f := range e.onDisconnect.Snapshot() {
		f(ErrConnectionLost)
	}
}

// Reconnect is Connect with a background context.
func (e *Endpoint) Reconnect() error {
	return e.Connect(context.Background())
}

// Connected reports whether the endpoint is connected.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Subscribe registers h for topic.
func (e *Endpoint) Subscribe(topic string, h Handler) (Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New(errors.ErrCodeTransport, "endpoint closed")
	}
	s := &hubSub{topic: topic, ep: e, h: h}
	e.hub.add(s)
	e.subs[s.id] = s
	return &hubSubscription{ep: e, sub: s}, nil
}

// Send publishes p to the topic matching destination.
func (e *Endpoint) Send(ctx context.Context, destination string, p Payload) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.ErrCodeTransport, err, "send to %s", destination)
	}
	if !e.Connected() {
		return errors.New(errors.ErrCodeTransport, "send to %s: not connected", destination)
	}
	data, err := Marshal(p)
	if err != nil {
		return err
	}
	e.hub.deliver(TopicFor(destination), data)
	return nil
}

// OnConnect registers f.
func (e *Endpoint) OnConnect(f func()) func() { return e.onConnect.Add(f) }

// OnDisconnect registers f.
func (e *Endpoint) OnDisconnect(f func(error)) func() { return e.onDisconnect.Add(f) }

// Close drops all subscriptions and callbacks. The endpoint cannot be reused.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.connected = false
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, s := range subs {
		e.hub.remove(s)
	}
	e.onConnect.Clear()
	e.onDisconnect.Clear()
	return nil
}

type hubSubscription struct {
	ep   *Endpoint
	sub  *hubSub
	once sync.Once
}

func (s *hubSubscription) Topic() string { return s.sub.topic }

func (s *hubSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.ep.mu.Lock()
		delete(s.ep.subs, s.sub.id)
		s.ep.mu.Unlock()
		s.ep.hub.remove(s.sub)
	})
	return nil
}
