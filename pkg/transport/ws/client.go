package ws

import (
	"context"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/matzehuels/diagramsync/pkg/errors"
	"github.com/matzehuels/diagramsync/pkg/transport"
)

// Default client timings.
const (
	DefaultMinBackoff   = 100 * time.Millisecond
	DefaultMaxBackoff   = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	// Logger receives transport diagnostics. Nil discards them.
	Logger *log.Logger

	// Dialer opens connections. Default: websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Header is sent with every handshake.
	Header http.Header

	// MinBackoff and MaxBackoff bound the delay between reconnect attempts.
	// The delay doubles after every failed attempt.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

// ValidateAndSetDefaults applies defaults.
func (o *Options) ValidateAndSetDefaults() error {
	if o.Logger == nil {
		o.Logger = log.New(io.Discard)
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = DefaultMinBackoff
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = max(DefaultMaxBackoff, o.MinBackoff)
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return nil
}

// Client is a transport.Channel that talks to a Relay. After the first
// successful Connect, a lost connection is re-established in the background
// and every subscribed topic is subscribed again.
type Client struct {
	url    string
	opts   Options
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	subs      map[string][]*subscription

	writeMu sync.Mutex

	onConnect    transport.Listeners[func()]
	onDisconnect transport.Listeners[func(error)]
}

var _ transport.Channel = (*Client)(nil)

// Dial returns a Client for a ws:// or wss:// relay URL. The connection is
// not opened until Connect.
func Dial(url string, opts Options) (*Client, error) {
	if err := errors.ValidateURL(url, "ws", "wss"); err != nil {
		return nil, err
	}
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:    url,
		opts:   opts,
		logger: opts.Logger.With("relay", url),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string][]*subscription),
	}, nil
}

// Connect opens the websocket. An initial failure is returned and not
// retried; later losses are.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New(errors.ErrCodeTransport, "client closed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.attach(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.url, c.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTransport, err, "dial %s", c.url)
	}
	return conn, nil
}

// attach installs conn, subscribes every known topic and starts reading.
func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed || c.connected {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connected = true
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.wg.Add(1)
	c.mu.Unlock()

	slices.Sort(topics)
	for _, topic := range topics {
		if err := c.write(conn, Frame{Op: OpSubscribe, Topic: topic}); err != nil {
			c.logger.Warn("resubscribe failed", "topic", topic, "err", err)
		}
	}
	go c.read(conn)

	c.logger.Info("relay connected", "topics", len(topics))
	for _, f := range c.onConnect.Snapshot() {
		f()
	}
}

func (c *Client) read(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(conn, err)
			return
		}
		f, err := decodeFrame(data)
		if err == nil {
			err = f.validate()
		}
		if err != nil {
			c.logger.Warn("drop frame", "err", err)
			continue
		}
		switch f.Op {
		case OpMessage:
			c.dispatch(f.Topic, f.Payload)
		case OpError:
			c.logger.Warn("relay error", "err", f.Error)
		default:
			c.logger.Debug("ignore frame", "op", f.Op)
		}
	}
}

func (c *Client) dispatch(topic string, p transport.Payload) {
	c.mu.Lock()
	targets := slices.Clone(c.subs[topic])
	c.mu.Unlock()
	for _, s := range targets {
		if !s.removed() {
			s.h(p)
		}
	}
}

// lost handles a read failure on conn and starts reconnecting.
func (c *Client) lost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.wg.Add(1)
	c.mu.Unlock()

	conn.Close()
	err := errors.Wrap(errors.ErrCodeTransport, cause, "relay connection lost")
	c.logger.Warn("relay disconnected", "err", cause)
	for _, f := range c.onDisconnect.Snapshot() {
		f(err)
	}
	go c.reconnect()
}

func (c *Client) reconnect() {
	defer c.wg.Done()
	delay := c.opts.MinBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		conn, err := c.dial(c.ctx)
		if err == nil {
			c.attach(conn)
			return
		}
		c.logger.Debug("reconnect failed", "attempt", attempt, "err", err)
		delay = min(delay*2, c.opts.MaxBackoff)
	}
}

func (c *Client) write(conn *websocket.Conn, f Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(errors.ErrCodeTransport, err, "write %s frame", f.Op)
	}
	return nil
}

// Subscribe registers h for topic.
func (c *Client) Subscribe(topic string, h transport.Handler) (transport.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New(errors.ErrCodeTransport, "client closed")
	}
	s := &subscription{c: c, topic: topic, h: h}
	first := len(c.subs[topic]) == 0
	c.subs[topic] = append(c.subs[topic], s)
	conn := c.conn
	c.mu.Unlock()

	if first && conn != nil {
		// A failed write means the connection is going away; the topic is
		// subscribed again on reconnect.
		if err := c.write(conn, Frame{Op: OpSubscribe, Topic: topic}); err != nil {
			c.logger.Warn("subscribe failed", "topic", topic, "err", err)
		}
	}
	return s, nil
}

func (c *Client) unsubscribe(s *subscription) error {
	c.mu.Lock()
	list := slices.DeleteFunc(c.subs[s.topic], func(o *subscription) bool { return o == s })
	if len(list) > 0 {
		c.subs[s.topic] = list
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, s.topic)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(conn, Frame{Op: OpUnsubscribe, Topic: s.topic})
}

// Send publishes p to destination through the relay.
func (c *Client) Send(ctx context.Context, destination string, p transport.Payload) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.ErrCodeTransport, err, "send to %s", destination)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New(errors.ErrCodeTransport, "send to %s: not connected", destination)
	}
	return c.write(conn, Frame{Op: OpSend, Destination: destination, Payload: p})
}

// OnConnect registers f.
func (c *Client) OnConnect(f func()) func() { return c.onConnect.Add(f) }

// OnDisconnect registers f.
func (c *Client) OnDisconnect(f func(error)) func() { return c.onDisconnect.Add(f) }

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close stops reconnecting, closes the connection and waits for the
// background goroutines to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.conn = nil
	for _, list := range c.subs {
		for _, s := range list {
			s.markRemoved()
		}
	}
	c.subs = make(map[string][]*subscription)
	c.mu.Unlock()

	c.cancel()
	c.onConnect.Clear()
	c.onDisconnect.Clear()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if cerr := conn.Close(); cerr != nil {
			err = errors.Wrap(errors.ErrCodeTransport, cerr, "close connection")
		}
	}
	c.wg.Wait()
	return err
}

type subscription struct {
	c     *Client
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
