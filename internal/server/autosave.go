package server

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/diagramsync/pkg/observability"
	"github.com/matzehuels/diagramsync/pkg/persist"
	"github.com/matzehuels/diagramsync/pkg/protocol"
	"github.com/matzehuels/diagramsync/pkg/schedule"
	"github.com/matzehuels/diagramsync/pkg/transport"
)

const saveTimeout = 10 * time.Second

// autosaver persists the latest snapshot relayed for each project once the
// project has been quiet for the autosave delay.
type autosaver struct {
	store  persist.Store
	clock  schedule.Clock
	delay  time.Duration
	logger *log.Logger

	mu       sync.Mutex
	projects map[string]*schedule.Debouncer[persist.Document]
	closed   bool
}

func newAutosaver(store persist.Store, clock schedule.Clock, delay time.Duration, logger *log.Logger) *autosaver {
	return &autosaver{
		store:    store,
		clock:    clock,
		delay:    delay,
		logger:   logger,
		projects: make(map[string]*schedule.Debouncer[persist.Document]),
	}
}

// observe is the relay's OnSend hook.
func (a *autosaver) observe(_ context.Context, destination string, p transport.Payload) {
	projectID, stream, ok := transport.ParseTopic(transport.TopicFor(destination))
	if !ok || stream != transport.StreamUpdate {
		return
	}
	msg, err := protocol.Decode(p)
	if err != nil {
		return
	}
	snap, ok := msg.(protocol.Snapshot)
	if !ok {
		return
	}

	d := a.debouncer(projectID)
	if d == nil {
		return
	}
	if snap.Version != nil {
		// The sender saved this state itself.
		d.Cancel()
		return
	}
	d.Call(persist.Document{Name: snap.Name, Nodes: snap.Nodes, Edges: snap.Edges})
}

func (a *autosaver) debouncer(projectID string) *schedule.Debouncer[persist.Document] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	d, ok := a.projects[projectID]
	if !ok {
		d = schedule.NewDebouncer(a.clock, a.delay, func(doc persist.Document) {
			a.save(projectID, doc)
		})
		a.projects[projectID] = d
	}
	return d
}

func (a *autosaver) save(projectID string, doc persist.Document) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	version, err := a.store.Save(ctx, projectID, doc)
	observability.Relay().OnAutosave(ctx, projectID, err)
	if err != nil {
		a.logger.Error("autosave failed", "project", projectID, "err", err)
		return
	}
	a.logger.Debug("autosaved", "project", projectID, "version", version)
}

// cancel drops a pending save for projectID.
func (a *autosaver) cancel(projectID string) {
	a.mu.Lock()
	d := a.projects[projectID]
	a.mu.Unlock()
	if d != nil {
		d.Cancel()
	}
}

func (a *autosaver) pending(projectID string) bool {
	a.mu.Lock()
	d := a.projects[projectID]
	a.mu.Unlock()
	return d != nil && d.Pending()
}

// close saves everything still pending and stops accepting snapshots.
func (a *autosaver) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	projects := a.projects
	a.projects = nil
	a.mu.Unlock()

	for _, d := range projects {
		d.Flush()
		d.Stop()
	}
}
