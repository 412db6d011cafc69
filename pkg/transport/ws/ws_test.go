package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matzehuels/diagramsync/pkg/collab"
	"github.com/matzehuels/diagramsync/pkg/diagram"
	"github.com/matzehuels/diagramsync/pkg/errors"
	"github.com/matzehuels/diagramsync/pkg/schedule/schedtest"
	"github.com/matzehuels/diagramsync/pkg/transport"
	"github.com/matzehuels/diagramsync/pkg/transport/ws"
)

var (
	updates = transport.Topic("p1", transport.StreamUpdate)
	sendTo  = transport.Destination("p1", transport.StreamUpdate)
)

// swap lets a test replace the relay behind a running server.
type swap struct {
	mu sync.Mutex
	h  http.Handler
}

func (s *swap) set(h http.Handler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

func (s *swap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	h.ServeHTTP(w, r)
}

type fixture struct {
	hub   *transport.Hub
	relay *ws.Relay
	front *swap
	srv   *httptest.Server
	url   string
}

func newFixture(t *testing.T, opts ws.RelayOptions) *fixture {
	t.Helper()
	hub := transport.NewHub(nil)
	backplane := hub.Channel()
	if err := backplane.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	f := &fixture{hub: hub, relay: ws.NewRelay(backplane, opts), front: &swap{}}
	f.front.set(f.relay)
	f.srv = httptest.NewServer(f.front)
	f.url = "ws" + strings.TrimPrefix(f.srv.URL, "http")
	t.Cleanup(func() {
		f.relay.Close()
		f.srv.Close()
	})
	return f
}

func (f *fixture) client(t *testing.T) *ws.Client {
	t.Helper()
	c, err := ws.Dial(f.url, ws.Options{MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// inbox collects payloads delivered to a handler.
type inbox struct {
	mu   sync.Mutex
	msgs []transport.Payload
}

func (b *inbox) handle(p transport.Payload) {
	b.mu.Lock()
	b.msgs = append(b.msgs, p)
	b.mu.Unlock()
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func (b *inbox) at(i int) transport.Payload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgs[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDialValidatesURL(t *testing.T) {
	for _, url := range []string{"", "http://example.com/ws", "example.com"} {
		if _, err := ws.Dial(url, ws.Options{}); !errors.Is(err, errors.ErrCodeInvalidInput) {
			t.Errorf("Dial(%q) error = %v, want INVALID_INPUT", url, err)
		}
	}
}

func TestClientSendRequiresConnection(t *testing.T) {
	f := newFixture(t, ws.RelayOptions{})
	c := f.client(t)
	if err := c.Send(context.Background(), sendTo, transport.Payload{"a": 1}); !errors.Is(err, errors.ErrCodeTransport) {
		t.Errorf("Send() error = %v, want TRANSPORT_ERROR", err)
	}
}

func TestRelayRoundTrip(t *testing.T) {
	f := newFixture(t, ws.RelayOptions{})
	ctx := context.Background()
	a, b := f.client(t), f.client(t)

	var got inbox
	if _, err := b.Subscribe(updates, got.handle); err != nil {
		t.Fatal(err)
	}
	var connects atomic.Int32
	b.OnConnect(func() { connects.Add(1) })
	for _, c := range []*ws.Client{a, b} {
		if err := c.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	if connects.Load() != 1 {
		t.Errorf("OnConnect calls = %d, want 1", connects.Load())
	}
	waitFor(t, "relay subscription", func() bool { return f.hub.Subscribers(updates) == 1 })
	if f.relay.Clients() != 2 {
		t.Errorf("Clients() = %d, want 2", f.relay.Clients())
	}

	if err := a.Send(ctx, sendTo, transport.Payload{"type": "hello", "n": 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "delivery", func() bool { return got.len() == 1 })
	if p := got.at(0); p.String("type") != "hello" {
		t.Errorf("payload = %v", p)
	}

	// Messages published on the backplane directly reach relay clients too.
	if err := f.hub.Publish(updates, transport.Payload{"type": "direct"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "backplane delivery", func() bool { return got.len() == 2 })
}

func TestClientUnsubscribe(t *testing.T) {
	f := newFixture(t, ws.RelayOptions{})
	c := f.client(t)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	var box inbox
	s1, _ := c.Subscribe(updates, box.handle)
	s2, _ := c.Subscribe(updates, box.handle)
	waitFor(t, "subscribe", func() bool { return f.hub.Subscribers(updates) == 1 })

	if err := s1.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	if f.hub.Subscribers(updates) != 1 {
		t.Errorf("relay dropped topic while a subscriber remains")
	}
	if err := s2.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "unsubscribe", func() bool { return f.hub.Subscribers(updates) == 0 })
}

func TestClientReconnectsAndResubscribes(t *testing.T) {
	f := newFixture(t, ws.RelayOptions{})
	ctx := context.Background()
	c := f.client(t)

	var box inbox
	_, _ = c.Subscribe(updates, box.handle)
	var connects, disconnects atomic.Int32
	c.OnConnect(func() { connects.Add(1) })
	c.OnDisconnect(func(err error) {
		if !errors.Is(err, errors.ErrCodeTransport) {
			t.Errorf("disconnect cause = %v, want TRANSPORT_ERROR", err)
		}
		disconnects.Add(1)
	})
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "subscribe", func() bool { return f.hub.Subscribers(updates) == 1 })

	// Restart the relay on the same backplane.
	backplane := f.hub.Channel()
	_ = backplane.Connect(ctx)
	next := ws.NewRelay(backplane, ws.RelayOptions{})
	t.Cleanup(func() { next.Close() })
	f.relay.Close()
	waitFor(t, "disconnect", func() bool { return disconnects.Load() == 1 })
	if f.hub.Subscribers(updates) != 0 {
		t.Errorf("closed relay kept its subscriptions")
	}
	f.front.set(next)

	waitFor(t, "reconnect", func() bool { return connects.Load() == 2 && c.Connected() })
	waitFor(t, "resubscribe", func() bool { return f.hub.Subscribers(updates) == 1 })

	_ = f.hub.Publish(updates, transport.Payload{"type": "after"})
	waitFor(t, "delivery after reconnect", func() bool { return box.len() == 1 })
}

func TestClientClose(t *testing.T) {
	f := newFixture(t, ws.RelayOptions{})
	c := f.client(t)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	var disconnects atomic.Int32
	c.OnDisconnect(func(error) { disconnects.Add(1) })
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	waitFor(t, "relay to drop client", func() bool { return f.relay.Clients() == 0 })
	if disconnects.Load() != 0 {
		t.Error("Close fired OnDisconnect")
	}
	if err := c.Connect(context.Background()); !errors.Is(err, errors.ErrCodeTransport) {
		t.Errorf("Connect after Close error = %v", err)
	}
}

func TestRelayRejectsBadFrames(t *testing.T) {
	f := newFixture(t, ws.RelayOptions{})
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	tests := []struct {
		name  string
		frame string
	}{
		{"NotJSON", `{{`},
		{"NoOp", `{"topic":"/topic/projects/p1/update"}`},
		{"UnknownOp", `{"op":"shout"}`},
		{"SubscribeWithoutTopic", `{"op":"subscribe"}`},
		{"SendWithoutPayload", `{"op":"send","destination":"/app/projects/p1/update"}`},
		{"MessageFromClient", `{"op":"message","topic":"/topic/projects/p1/update","payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)); err != nil {
				t.Fatal(err)
			}
			var f ws.Frame
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if err := conn.ReadJSON(&f); err != nil {
				t.Fatalf("ReadJSON: %v", err)
			}
			if f.Op != ws.OpError || f.Error == "" {
				t.Errorf("reply = %+v, want error frame", f)
			}
		})
	}

	// The connection survives rejected frames.
	if err := conn.WriteJSON(ws.Frame{Op: ws.OpSubscribe, Topic: updates}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "subscribe after errors", func() bool { return f.hub.Subscribers(updates) == 1 })
}

func TestRelayOnSend(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	f := newFixture(t, ws.RelayOptions{
		OnSend: func(_ context.Context, destination string, p transport.Payload) {
			mu.Lock()
			seen = append(seen, destination+" "+p.String("type"))
			mu.Unlock()
		},
	})
	c := f.client(t)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = c.Send(context.Background(), sendTo, transport.Payload{"type": "x"})
	waitFor(t, "OnSend", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
	if want := sendTo + " x"; seen[0] != want {
		t.Errorf("seen = %q, want %q", seen[0], want)
	}
}

func TestRelayRefusesAfterClose(t *testing.T) {
	f := newFixture(t, ws.RelayOptions{})
	f.relay.Close()
	c := f.client(t)
	if err := c.Connect(context.Background()); !errors.Is(err, errors.ErrCodeTransport) {
		t.Errorf("Connect to closed relay error = %v, want TRANSPORT_ERROR", err)
	}
}

func TestEnginesOverRelay(t *testing.T) {
	f := newFixture(t, ws.RelayOptions{})
	ctx := context.Background()
	clock := schedtest.NewClock()

	engine := func(id string, seed ...string) *collab.Engine {
		e, err := collab.New(f.client(t), collab.Options{ProjectID: "p1", ClientID: id, Clock: clock})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(e.Stop)
		for _, n := range seed {
			if _, err := e.AddNode(diagram.Node{ID: n}); err != nil {
				t.Fatal(err)
			}
		}
		if err := e.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		return e
	}
	a := engine("a")
	waitFor(t, "a subscribed", func() bool { return f.hub.Subscribers(updates) == 1 })
	b := engine("b", "seed")
	// b's join snapshot replaces a's empty graph.
	waitFor(t, "join snapshot at a", func() bool {
		_, ok := a.Node("seed")
		return ok
	})

	if _, err := a.AddNode(diagram.Node{ID: "n1", Label: "Invoice"}); err != nil {
		t.Fatal(err)
	}
	if err := a.PublishSnapshot(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "snapshot at b", func() bool {
		n, ok := b.Node("n1")
		return ok && n.Label == "Invoice"
	})

	_ = b.Drag("n1", 40, 80)
	clock.Advance(0)
	waitFor(t, "cursor at a", func() bool {
		n, _ := a.Node("n1")
		return n.Position == diagram.Position{X: 40, Y: 80}
	})
}
