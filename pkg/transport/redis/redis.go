// Package redis implements transport.Channel over Redis Pub/Sub.
//
// Destinations are mapped to Redis channels with transport.TopicFor, so a
// message sent to /app/projects/p1/update is published on the Redis channel
// /topic/projects/p1/update. Payloads are JSON.
//
// go-redis reconnects a PubSub on its own and re-subscribes every channel.
// The Channel notices this when a subscribe confirmation arrives for a
// channel that was already confirmed, and reports it as a disconnect
// followed by a connect.
package redis

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/charmbracelet/log"
	goredis "github.com/redis/go-redis/v9"

	"github.com/matzehuels/diagramsync/pkg/errors"
	"github.com/matzehuels/diagramsync/pkg/transport"
)

// ErrResubscribed is passed to OnDisconnect callbacks when the underlying
// connection was re-established by go-redis.
var ErrResubscribed = errors.New(errors.ErrCodeTransport, "redis pubsub reconnected")

// Options configures a Channel.
type Options struct {
	// Logger receives transport diagnostics. Nil discards them.
	Logger *log.Logger
}

// Channel is a transport.Channel backed by a Redis client.
type Channel struct {
	client     *goredis.Client
	ownsClient bool
	logger     *log.Logger

	mu        sync.Mutex
	pubsub    *goredis.PubSub
	done      chan struct{}
	connected bool
	closed    bool
	subs      map[string][]*subscription
	confirmed map[string]bool

	onConnect    transport.Listeners[func()]
	onDisconnect transport.Listeners[func(error)]
}

var _ transport.Channel = (*Channel)(nil)

// New wraps an existing client. Close does not close the client.
func New(client *goredis.Client, opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Channel{
		client:    client,
		logger:    logger,
		subs:      make(map[string][]*subscription),
		confirmed: make(map[string]bool),
	}
}

// Dial parses a redis:// URL and returns a Channel owning its client. The
// connection is not established until Connect.
func Dial(url string, opts Options) (*Channel, error) {
	if err := errors.ValidateURL(url, "redis", "rediss", "unix"); err != nil {
		return nil, err
	}
	ropts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "parse redis URL")
	}
	c := New(goredis.NewClient(ropts), opts)
	c.ownsClient = true
	return c, nil
}

// Connect pings the server, opens the Pub/Sub connection and subscribes to
// every registered topic.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New(errors.ErrCodeTransport, "channel closed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(errors.ErrCodeTransport, err, "connect to redis")
	}

	c.mu.Lock()
	if c.connected || c.closed {
		c.mu.Unlock()
		return nil
	}
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	c.pubsub = c.client.Subscribe(ctx, topics...)
	c.done = make(chan struct{})
	c.connected = true
	c.confirmed = make(map[string]bool)
	go c.receive(c.pubsub, c.done)
	c.mu.Unlock()

	c.logger.Info("redis channel connected", "topics", len(topics))
	for _, f := range c.onConnect.Snapshot() {
		f()
	}
	return nil
}

// receive dispatches messages from ps until it is closed.
func (c *Channel) receive(ps *goredis.PubSub, done chan struct{}) {
	defer close(done)
	for msg := range ps.ChannelWithSubscriptions() {
		c.handle(msg)
	}
}

// handle processes one item read from the Pub/Sub channel.
func (c *Channel) handle(msg any) {
	switch m := msg.(type) {
	case *goredis.Subscription:
		if c.confirm(m) {
			c.logger.Warn("redis pubsub reconnected", "channel", m.Channel)
			for _, f := range c.onDisconnect.Snapshot() {
				f(ErrResubscribed)
			}
			for _, f := range c.onConnect.Snapshot() {
				f()
			}
		}
	case *goredis.Message:
		p, err := transport.Unmarshal([]byte(m.Payload))
		if err != nil {
			c.logger.Warn("drop undecodable payload", "channel", m.Channel, "err", err)
			return
		}
		c.mu.Lock()
		targets := slices.Clone(c.subs[m.Channel])
		c.mu.Unlock()
		for _, s := range targets {
			if !s.removed() {
				s.h(p)
			}
		}
	}
}

// confirm records a subscription confirmation and reports whether it reveals
// a reconnect.
func (c *Channel) confirm(m *goredis.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch m.Kind {
	case "subscribe":
		if c.confirmed[m.Channel] {
			c.confirmed = map[string]bool{m.Channel: true}
			return true
		}
		c.confirmed[m.Channel] = true
	case "unsubscribe":
		delete(c.confirmed, m.Channel)
	}
	return false
}

// Subscribe registers h for topic.
func (c *Channel) Subscribe(topic string, h transport.Handler) (transport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New(errors.ErrCodeTransport, "channel closed")
	}
	s := &subscription{c: c, topic: topic, h: h}
	first := len(c.subs[topic]) == 0
	c.subs[topic] = append(c.subs[topic], s)
	if first && c.pubsub != nil {
		if err := c.pubsub.Subscribe(context.Background(), topic); err != nil {
			c.subs[topic] = slices.DeleteFunc(c.subs[topic], func(o *subscription) bool { return o == s })
			return nil, errors.Wrap(errors.ErrCodeTransport, err, "subscribe %s", topic)
		}
	}
	return s, nil
}

func (c *Channel) unsubscribe(s *subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := slices.DeleteFunc(c.subs[s.topic], func(o *subscription) bool { return o == s })
	if len(list) > 0 {
		c.subs[s.topic] = list
		return nil
	}
	delete(c.subs, s.topic)
	if c.pubsub == nil {
		return nil
	}
	if err := c.pubsub.Unsubscribe(context.Background(), s.topic); err != nil {
		return errors.Wrap(errors.ErrCodeTransport, err, "unsubscribe %s", s.topic)
	}
	return nil
}

// Send publishes p on the Redis channel for destination.
func (c *Channel) Send(ctx context.Context, destination string, p transport.Payload) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return errors.New(errors.ErrCodeTransport, "send to %s: not connected", destination)
	}

	data, err := transport.Marshal(p)
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, transport.TopicFor(destination), data).Err(); err != nil {
		return errors.Wrap(errors.ErrCodeTransport, err, "publish to %s", destination)
	}
	return nil
}

// OnConnect registers f.
func (c *Channel) OnConnect(f func()) func() { return c.onConnect.Add(f) }

// OnDisconnect registers f.
func (c *Channel) OnDisconnect(f func(error)) func() { return c.onDisconnect.Add(f) }

// Close closes the Pub/Sub connection and waits for the receive loop to exit.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	ps, done := c.pubsub, c.done
	c.pubsub = nil
	for _, list := range c.subs {
		for _, s := range list {
			s.markRemoved()
		}
	}
	c.subs = make(map[string][]*subscription)
	c.mu.Unlock()

	c.onConnect.Clear()
	c.onDisconnect.Clear()

	var firstErr error
	if ps != nil {
		if err := ps.Close(); err != nil {
			firstErr = errors.Wrap(errors.ErrCodeTransport, err, "close pubsub")
		}
		<-done
	}
	if c.ownsClient {
		if err := c.client.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(errors.ErrCodeTransport, err, "close client")
		}
	}
	return firstErr
}

type subscription struct {
	c     *Channel
	topic string
	h     transport.Handler

	mu   sync.Mutex
	gone bool
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return nil
	}
	s.gone = true
	s.mu.Unlock()
	return s.c.unsubscribe(s)
}

func (s *subscription) markRemoved() {
	s.mu.Lock()
	s.gone = true
	s.mu.Unlock()
}

func (s *subscription) removed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gone
}
