package transport

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/matzehuels/diagramsync/pkg/errors"
)

func TestTopics(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"Destination", Destination("p1", StreamUpdate), "/app/projects/p1/update"},
		{"Topic", Topic("p1", StreamCursor), "/topic/projects/p1/cursor"},
		{"TopicFor", TopicFor("/app/projects/p1/update"), "/topic/projects/p1/update"},
		{"TopicForForeign", TopicFor("/queue/other"), "/queue/other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic   string
		project string
		stream  Stream
		ok      bool
	}{
		{"/topic/projects/p1/update", "p1", StreamUpdate, true},
		{"/topic/projects/a-b/cursor", "a-b", StreamCursor, true},
		{"/topic/projects/p1/", "", "", false},
		{"/topic/projects/update", "", "", false},
		{"/app/projects/p1/update", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			project, stream, ok := ParseTopic(tt.topic)
			if project != tt.project || stream != tt.stream || ok != tt.ok {
				t.Errorf("ParseTopic(%q) = %q, %q, %v, want %q, %q, %v",
					tt.topic, project, stream, ok, tt.project, tt.stream, tt.ok)
			}
		})
	}
}

func TestUnmarshal(t *testing.T) {
	p, err := Unmarshal([]byte(`{"type":"diagram.move","x":1.5,"seq":3}`))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := Payload{"type": "diagram.move", "x": 1.5, "seq": float64(3)}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if p.String("type") != "diagram.move" || p.String("x") != "" {
		t.Errorf("String() accessors returned wrong values")
	}

	for _, bad := range []string{`[1,2]`, `null`, `{`, `"text"`} {
		if _, err := Unmarshal([]byte(bad)); !errors.Is(err, errors.ErrCodeMalformedMessage) {
			t.Errorf("Unmarshal(%s) error = %v, want MALFORMED_MESSAGE", bad, err)
		}
	}
}

func TestHubDelivery(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a, b := hub.Channel(), hub.Channel()
	for _, ep := range []*Endpoint{a, b} {
		if err := ep.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}

	var got []Payload
	if _, err := b.Subscribe(Topic("p", StreamUpdate), func(p Payload) { got = append(got, p) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := a.Send(ctx, Destination("p", StreamUpdate), Payload{"n": i}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	_ = a.Send(ctx, Destination("other", StreamUpdate), Payload{"n": 99})

	want := []Payload{{"n": float64(1)}, {"n": float64(2)}, {"n": float64(3)}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("received mismatch (-want +got):\n%s", diff)
	}
}

func TestHubSendWhileDisconnected(t *testing.T) {
	ep := NewHub(nil).Channel()
	err := ep.Send(context.Background(), Destination("p", StreamUpdate), Payload{})
	if !errors.Is(err, errors.ErrCodeTransport) {
		t.Errorf("Send() error = %v, want TRANSPORT_ERROR", err)
	}
}

func TestHubConnectCallbacks(t *testing.T) {
	ctx := context.Background()
	ep := NewHub(nil).Channel()

	connects, disconnects := 0, 0
	removeConnect := ep.OnConnect(func() { connects++ })
	ep.OnDisconnect(func(err error) {
		disconnects++
		if err != ErrConnectionLost {
			t.Errorf("disconnect cause = %v, want ErrConnectionLost", err)
		}
	})

	_ = ep.Connect(ctx)
	_ = ep.Connect(ctx) // idempotent
	ep.Disconnect()
	ep.Disconnect()
	_ = ep.Reconnect()

	if connects != 2 || disconnects != 1 {
		t.Errorf("connects, disconnects = %d, %d, want 2, 1", connects, disconnects)
	}

	removeConnect()
	removeConnect()
	ep.Disconnect()
	_ = ep.Reconnect()
	if connects != 2 {
		t.Errorf("connects after remove = %d, want 2", connects)
	}
}

func TestHubDisconnectedEndpointMissesMessages(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	sender, receiver := hub.Channel(), hub.Channel()
	_ = sender.Connect(ctx)
	_ = receiver.Connect(ctx)

	count := 0
	_, _ = receiver.Subscribe(Topic("p", StreamCursor), func(Payload) { count++ })

	receiver.Disconnect()
	_ = sender.Send(ctx, Destination("p", StreamCursor), Payload{})
	_ = receiver.Reconnect()
	_ = sender.Send(ctx, Destination("p", StreamCursor), Payload{})

	if count != 1 {
		t.Errorf("received %d messages, want 1", count)
	}
}

func TestHubUnsubscribeAndClose(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	ep := hub.Channel()
	_ = ep.Connect(ctx)
	topic := Topic("p", StreamUpdate)

	sub, _ := ep.Subscribe(topic, func(Payload) {})
	_, _ = ep.Subscribe(topic, func(Payload) {})
	if n := hub.Subscribers(topic); n != 2 {
		t.Fatalf("Subscribers() = %d, want 2", n)
	}
	if sub.Topic() != topic {
		t.Errorf("Topic() = %q, want %q", sub.Topic(), topic)
	}
	_ = sub.Unsubscribe()
	_ = sub.Unsubscribe()
	if n := hub.Subscribers(topic); n != 1 {
		t.Errorf("Subscribers() after Unsubscribe = %d, want 1", n)
	}

	_ = ep.Close()
	if n := hub.Subscribers(topic); n != 0 {
		t.Errorf("Subscribers() after Close = %d, want 0", n)
	}
	if _, err := ep.Subscribe(topic, func(Payload) {}); err == nil {
		t.Error("Subscribe after Close expected error")
	}
	if err := ep.Connect(ctx); err == nil {
		t.Error("Connect after Close expected error")
	}
}

func TestHubReentrantSend(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	ep := hub.Channel()
	_ = ep.Connect(ctx)

	var echoed []string
	_, _ = ep.Subscribe(Topic("p", StreamUpdate), func(p Payload) {
		_ = ep.Send(ctx, Destination("p", StreamCursor), Payload{"from": p.String("id")})
	})
	_, _ = ep.Subscribe(Topic("p", StreamCursor), func(p Payload) {
		echoed = append(echoed, p.String("from"))
	})

	if err := ep.Send(ctx, Destination("p", StreamUpdate), Payload{"id": "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if diff := cmp.Diff([]string{"x"}, echoed); diff != "" {
		t.Errorf("echo mismatch (-want +got):\n%s", diff)
	}
}

func TestHubPublish(t *testing.T) {
	hub := NewHub(nil)
	ep := hub.Channel()
	_ = ep.Connect(context.Background())

	var got Payload
	_, _ = ep.Subscribe("/topic/raw", func(p Payload) { got = p })
	if err := hub.Publish("/topic/raw", Payload{"k": "v"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got.String("k") != "v" {
		t.Errorf("got %v, want k=v", got)
	}
}
