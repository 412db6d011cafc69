package ws

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/matzehuels/diagramsync/pkg/errors"
	"github.com/matzehuels/diagramsync/pkg/observability"
	"github.com/matzehuels/diagramsync/pkg/transport"
)

// DefaultReadLimit caps the size of one inbound frame.
const DefaultReadLimit = 4 << 20

// RelayOptions configures a Relay.
type RelayOptions struct {
	// Logger receives relay diagnostics. Nil discards them.
	Logger *log.Logger

	// CheckOrigin validates the handshake origin. Default: allow all.
	CheckOrigin func(r *http.Request) bool

	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// OnSend, if set, observes every payload a client sends, after it was
	// forwarded to the backplane.
	OnSend func(ctx context.Context, destination string, p transport.Payload)
}

// ValidateAndSetDefaults applies defaults.
func (o *RelayOptions) ValidateAndSetDefaults() error {
	if o.Logger == nil {
		o.Logger = log.New(io.Discard)
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return nil
}

// Relay bridges websocket clients to a backplane Channel. The backplane must
// be connected by the caller.
type Relay struct {
	backplane transport.Channel
	opts      RelayOptions
	logger    *log.Logger
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewRelay returns a Relay forwarding to backplane.
func NewRelay(backplane transport.Channel, opts RelayOptions) *Relay {
	_ = opts.ValidateAndSetDefaults()
	return &Relay{
		backplane: backplane,
		opts:      opts,
		logger:    opts.Logger,
		upgrader:  websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
		peers:     make(map[*peer]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// The upgrader has already written an error response.
		r.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(r.opts.ReadLimit)

	p := &peer{relay: r, conn: conn, subs: make(map[string]transport.Subscription)}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.peers[p] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	p.serve(req.Context())
}

// Clients returns the number of connected clients.
func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Close disconnects every client and refuses new ones. It waits until all
// client handlers have returned.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	peers := make([]*peer, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.close(websocket.CloseGoingAway, "relay shutting down")
	}
	r.wg.Wait()
	return nil
}

// peer is one connected websocket client.
type peer struct {
	relay *Relay
	conn  *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]transport.Subscription
}

func (p *peer) serve(ctx context.Context) {
	r := p.relay
	start := time.Now()
	observability.Relay().OnClientConnect(ctx)
	logger := r.logger.With("remote", p.conn.RemoteAddr().String())
	logger.Debug("client connected")

	defer func() {
		p.release()
		r.mu.Lock()
		delete(r.peers, p)
		r.mu.Unlock()
		p.conn.Close()
		observability.Relay().OnClientDisconnect(ctx, time.Since(start))
		logger.Debug("client disconnected", "duration", time.Since(start))
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read failed", "err", err)
			}
			return
		}
		f, err := decodeFrame(data)
		if err == nil {
			err = f.validate()
		}
		if err != nil {
			observability.Relay().OnFrame(ctx, "in", "invalid")
			logger.Warn("reject frame", "err", err)
			p.fail(err)
			continue
		}
		observability.Relay().OnFrame(ctx, "in", f.Op)
		if err := p.handle(ctx, f); err != nil {
			logger.Warn("frame failed", "op", f.Op, "err", err)
			p.fail(err)
		}
	}
}

func (p *peer) handle(ctx context.Context, f Frame) error {
	r := p.relay
	switch f.Op {
	case OpSubscribe:
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.subs[f.Topic]; ok {
			return nil
		}
		topic := f.Topic
		sub, err := r.backplane.Subscribe(topic, func(payload transport.Payload) {
			if err := p.write(Frame{Op: OpMessage, Topic: topic, Payload: payload}); err != nil {
				r.logger.Debug("forward failed", "topic", topic, "err", err)
			}
		})
		if err != nil {
			return err
		}
		p.subs[topic] = sub
		return nil

	case OpUnsubscribe:
		p.mu.Lock()
		sub, ok := p.subs[f.Topic]
		delete(p.subs, f.Topic)
		p.mu.Unlock()
		if !ok {
			return nil
		}
		return sub.Unsubscribe()

	case OpSend:
		if err := r.backplane.Send(ctx, f.Destination, f.Payload); err != nil {
			return err
		}
		if r.opts.OnSend != nil {
			r.opts.OnSend(ctx, f.Destination, f.Payload)
		}
		return nil
	}
	return errors.New(errors.ErrCodeUnsupported, "%s frames are not accepted from clients", f.Op)
}

func (p *peer) write(f Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.relay.opts.WriteTimeout))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(errors.ErrCodeTransport, err, "write %s frame", f.Op)
	}
	observability.Relay().OnFrame(context.Background(), "out", f.Op)
	return nil
}

// fail reports err to the client.
func (p *peer) fail(err error) {
	_ = p.write(Frame{Op: OpError, Error: errors.UserMessage(err)})
}

func (p *peer) close(code int, reason string) {
	p.writeMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	p.writeMu.Unlock()
	p.conn.Close()
}

// release drops every backplane subscription of the peer.
func (p *peer) release() {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[string]transport.Subscription)
	p.mu.Unlock()
	for topic, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			p.relay.logger.Warn("unsubscribe failed", "topic", topic, "err", err)
		}
	}
}
