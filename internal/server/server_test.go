package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/matzehuels/diagramsync/pkg/diagram"
	"github.com/matzehuels/diagramsync/pkg/observability"
	"github.com/matzehuels/diagramsync/pkg/persist"
	"github.com/matzehuels/diagramsync/pkg/protocol"
	"github.com/matzehuels/diagramsync/pkg/schedule/schedtest"
	"github.com/matzehuels/diagramsync/pkg/transport"
	"github.com/matzehuels/diagramsync/pkg/transport/ws"
)

const autosaveDelay = time.Second

type fixture struct {
	srv     *Server
	http    *httptest.Server
	hub     *transport.Hub
	store   *persist.Memory
	clock   *schedtest.Clock
	metrics *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		hub:     transport.NewHub(nil),
		store:   persist.NewMemory(),
		clock:   schedtest.NewClock(),
		metrics: NewMetrics(),
	}
	srv, err := New(Options{
		Backplane:     f.hub.Channel(),
		Store:         f.store,
		AutosaveDelay: autosaveDelay,
		Metrics:       f.metrics,
		Clock:         f.clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.srv = srv
	f.http = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		f.http.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
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

func TestOptionsRequired(t *testing.T) {
	if _, err := New(Options{Store: persist.NewMemory()}); err == nil {
		t.Error("New without backplane succeeded")
	}
	if _, err := New(Options{Backplane: transport.NewHub(nil).Channel()}); err == nil {
		t.Error("New without store succeeded")
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodGet, "/healthz", "")
	if status != http.StatusOK || !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("GET /healthz = %d %s", status, body)
	}
}

func TestDiagramAPI(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/api/projects/shop/diagram", "")
	if status != http.StatusOK || !strings.Contains(body, `"version":0`) || !strings.Contains(body, `"nodes":[]`) {
		t.Errorf("GET new project = %d %s", status, body)
	}

	put := `{"name":"Shop","nodes":[{"id":"a","position":{"x":0,"y":0},"label":"A"}],"edges":[]}`
	for want := 1; want <= 2; want++ {
		status, body = f.do(t, http.MethodPut, "/api/projects/shop/diagram", put)
		if status != http.StatusOK || !strings.Contains(body, fmt.Sprintf(`"version":%d`, want)) {
			t.Errorf("PUT #%d = %d %s", want, status, body)
		}
	}

	doc, err := f.store.Load(context.Background(), "shop")
	if err != nil || doc.Version != 2 || doc.Name != "Shop" || len(doc.Nodes) != 1 {
		t.Errorf("stored document = %+v, %v", doc, err)
	}
	status, body = f.do(t, http.MethodGet, "/api/projects/shop/diagram", "")
	if status != http.StatusOK || !strings.Contains(body, `"label":"A"`) {
		t.Errorf("GET after PUT = %d %s", status, body)
	}
}

func TestDiagramAPIErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"BadProjectID", http.MethodGet, "/api/projects/a..b/diagram", "", http.StatusBadRequest},
		{"NotJSON", http.MethodPut, "/api/projects/shop/diagram", "{", http.StatusBadRequest},
		{"DuplicateNodes", http.MethodPut, "/api/projects/shop/diagram",
			`{"nodes":[{"id":"a"},{"id":"a"}],"edges":[]}`, http.StatusBadRequest},
		{"UnknownRelationKind", http.MethodPut, "/api/projects/shop/diagram",
			`{"nodes":[],"edges":[{"id":"e","source":"a","target":"b","relation":{"kind":"likes"}}]}`, http.StatusBadRequest},
		{"WrongMethod", http.MethodPost, "/api/projects/shop/diagram", "{}", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, tt.method, tt.path, tt.body)
			if status != tt.status {
				t.Errorf("status = %d, want %d (%s)", status, tt.status, body)
			}
		})
	}
}

func TestPutBroadcastsSnapshot(t *testing.T) {
	f := newFixture(t)
	spy := f.hub.Channel()
	_ = spy.Connect(context.Background())

	var mu sync.Mutex
	var got []protocol.Snapshot
	_, _ = spy.Subscribe(transport.Topic("shop", transport.StreamUpdate), func(p transport.Payload) {
		if m, err := protocol.Decode(p); err == nil {
			if snap, ok := m.(protocol.Snapshot); ok {
				mu.Lock()
				got = append(got, snap)
				mu.Unlock()
			}
		}
	})

	f.do(t, http.MethodPut, "/api/projects/shop/diagram", `{"name":"Shop","nodes":[{"id":"a"}],"edges":[]}`)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(got))
	}
	if got[0].ClientID != ServerClientID || got[0].Version == nil || *got[0].Version != 1 || len(got[0].Nodes) != 1 {
		t.Errorf("broadcast = %+v", got[0])
	}
}

func dialRelay(t *testing.T, f *fixture) *ws.Client {
	t.Helper()
	c, err := ws.Dial("ws"+strings.TrimPrefix(f.http.URL, "http")+"/ws", ws.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func sendSnapshot(t *testing.T, c *ws.Client, project string, snap protocol.Snapshot) {
	t.Helper()
	p, err := snap.Payload()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send(context.Background(), transport.Destination(project, transport.StreamUpdate), p); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestAutosaveRelayedSnapshots(t *testing.T) {
	f := newFixture(t)
	c := dialRelay(t, f)

	sendSnapshot(t, c, "shop", protocol.Snapshot{ClientID: "a", Name: "Shop", Nodes: []diagram.Node{{ID: "n1"}}})
	waitFor(t, "autosave scheduled", func() bool { return f.srv.autosave.pending("shop") })

	f.clock.Advance(autosaveDelay / 2)
	if doc, _ := f.store.Load(context.Background(), "shop"); doc.Version != 0 {
		t.Fatalf("saved before the quiet period: version %d", doc.Version)
	}
	f.clock.Advance(autosaveDelay)

	doc, err := f.store.Load(context.Background(), "shop")
	if err != nil || doc.Version != 1 || len(doc.Nodes) != 1 || doc.Name != "Shop" {
		t.Errorf("autosaved document = %+v, %v", doc, err)
	}
}

func TestAutosaveSkipsSavedSnapshots(t *testing.T) {
	f := newFixture(t)
	c := dialRelay(t, f)

	sendSnapshot(t, c, "shop", protocol.Snapshot{ClientID: "a", Nodes: []diagram.Node{{ID: "n1"}}})
	waitFor(t, "autosave scheduled", func() bool { return f.srv.autosave.pending("shop") })

	v := int64(7)
	sendSnapshot(t, c, "shop", protocol.Snapshot{ClientID: "a", Nodes: []diagram.Node{{ID: "n1"}}, Version: &v})
	waitFor(t, "autosave cancelled", func() bool { return !f.srv.autosave.pending("shop") })

	f.clock.Advance(time.Minute)
	if doc, _ := f.store.Load(context.Background(), "shop"); doc.Version != 0 {
		t.Errorf("saved a snapshot its sender had saved: version %d", doc.Version)
	}
}

func TestCloseFlushesAutosave(t *testing.T) {
	f := newFixture(t)
	c := dialRelay(t, f)
	sendSnapshot(t, c, "shop", protocol.Snapshot{ClientID: "a", Nodes: []diagram.Node{{ID: "n1"}}})
	waitFor(t, "autosave scheduled", func() bool { return f.srv.autosave.pending("shop") })

	if err := f.srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if doc, _ := f.store.Load(context.Background(), "shop"); doc.Version != 1 {
		t.Errorf("version after Close = %d, want 1", doc.Version)
	}
}

func TestCursorMessagesAreNotSaved(t *testing.T) {
	f := newFixture(t)
	f.srv.autosave.observe(context.Background(), transport.Destination("shop", transport.StreamCursor),
		protocol.CursorMove{ClientID: "a", NodeID: "n1", Sequence: 1}.Payload())
	f.srv.autosave.observe(context.Background(), transport.Destination("shop", transport.StreamUpdate),
		transport.Payload{"type": protocol.TypeSnapshot, "nodes": 3})
	if f.srv.autosave.pending("shop") {
		t.Error("autosave scheduled for a cursor or malformed message")
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	f.metrics.Install()
	t.Cleanup(observability.Reset)

	observability.Sync().OnPublish(context.Background(), "shop", observability.KindSnapshot, nil)
	observability.Sync().OnDrop(context.Background(), "shop", observability.DropStale)
	observability.Relay().OnAutosave(context.Background(), "shop", nil)

	if got := testutil.ToFloat64(f.metrics.published.WithLabelValues("snapshot", "ok")); got != 1 {
		t.Errorf("published = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.dropped.WithLabelValues("stale")); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}

	c := dialRelay(t, f)
	waitFor(t, "client gauge", func() bool { return testutil.ToFloat64(f.metrics.clients) == 1 })
	c.Close()
	waitFor(t, "client gauge drop", func() bool { return testutil.ToFloat64(f.metrics.clients) == 0 })

	status, body := f.do(t, http.MethodGet, "/metrics", "")
	if status != http.StatusOK {
		t.Fatalf("GET /metrics = %d", status)
	}
	for _, want := range []string{
		"diagramsync_sync_published_total",
		"diagramsync_relay_autosaves_total",
		"diagramsync_relay_session_seconds",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %s", want)
		}
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	hub := transport.NewHub(nil)
	srv, err := New(Options{Backplane: hub.Channel(), Store: persist.NewMemory(), AutosaveDelay: -1})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
