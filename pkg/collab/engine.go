package collab

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/matzehuels/diagramsync/pkg/anchor"
	"github.com/matzehuels/diagramsync/pkg/diagram"
	"github.com/matzehuels/diagramsync/pkg/errors"
	"github.com/matzehuels/diagramsync/pkg/observability"
	"github.com/matzehuels/diagramsync/pkg/persist"
	"github.com/matzehuels/diagramsync/pkg/protocol"
	"github.com/matzehuels/diagramsync/pkg/schedule"
	"github.com/matzehuels/diagramsync/pkg/transport"
)

// ErrStopped is returned by operations on a stopped Engine.
var ErrStopped = errors.New(errors.ErrCodeInternal, "engine stopped")

// Engine synchronizes one session's diagram with its peers.
type Engine struct {
	opts   Options
	ch     transport.Channel
	logger *log.Logger

	snapshots *schedule.Debouncer[struct{}]
	cursor    *schedule.Throttler[protocol.CursorMove]

	// sendMu is held while a cursor message is on the wire.
	sendMu sync.Mutex

	mu        sync.Mutex
	store     *diagram.Store
	session   *SessionState
	name      string
	state     State
	cursorSeq int64
	cursorGen uint64
	sending   bool
	queued    *protocol.CursorMove
	started   bool
	stopped   bool
	subs      []transport.Subscription
	cleanup   []func()
}

// New creates an Engine on ch. Nothing is sent or subscribed until Start.
func New(ch transport.Channel, opts Options) (*Engine, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	e := &Engine{
		opts:    opts,
		ch:      ch,
		logger:  opts.Logger.With("project", opts.ProjectID),
		store:   diagram.NewStore(),
		session: opts.Session,
		name:    opts.Name,
	}
	e.snapshots = schedule.NewDebouncer(opts.Clock, opts.SnapshotDelay, e.publishDebounced)
	e.cursor = schedule.NewThrottler(opts.Clock, opts.CursorInterval, e.publishCursor)
	return e, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start subscribes to the project topics and connects the channel. The first
// snapshot is published as soon as the channel reports a connection.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	var subs []transport.Subscription
	for _, stream := range []transport.Stream{transport.StreamUpdate, transport.StreamCursor} {
		sub, err := e.ch.Subscribe(transport.Topic(e.opts.ProjectID, stream), e.handleMessage)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return errors.Wrap(errors.ErrCodeTransport, err, "subscribe %s", stream)
		}
		subs = append(subs, sub)
	}
	cleanup := []func(){
		e.ch.OnConnect(e.handleConnect),
		e.ch.OnDisconnect(e.handleDisconnect),
	}

	e.mu.Lock()
	e.subs = subs
	e.cleanup = cleanup
	e.setStateLocked(StateConnecting)
	e.mu.Unlock()

	if err := e.ch.Connect(ctx); err != nil {
		e.mu.Lock()
		e.setStateLocked(StateDisconnected)
		e.mu.Unlock()
		return errors.Wrap(errors.ErrCodeTransport, err, "connect")
	}
	// A channel that was already connected fires no callback.
	if e.State() == StateConnecting {
		e.handleConnect()
	}
	return nil
}

// Stop cancels pending publishes, drops the subscriptions and callbacks and
// detaches from the channel. Nothing is published and no inbound message is
// applied after Stop returns. The channel itself is left open.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	subs, cleanup := e.subs, e.cleanup
	e.subs, e.cleanup = nil, nil
	e.queued = nil
	e.setStateLocked(StateDisconnected)
	e.mu.Unlock()

	e.snapshots.Stop()
	e.cursor.Stop()
	e.sendMu.Lock()
	e.sendMu.Unlock()
	for _, remove := range cleanup {
		remove()
	}
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			e.logger.Warn("unsubscribe failed", "topic", s.Topic(), "err", err)
		}
	}
	e.logger.Debug("engine stopped")
}

func (e *Engine) handleConnect() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.setStateLocked(StateConnected)
	// The recovery snapshot supersedes any pending debounced one.
	e.snapshots.Cancel()
	p, err := e.snapshotPayloadLocked(nil)
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("build recovery snapshot", "err", err)
		return
	}
	if err := e.send(context.Background(), transport.StreamUpdate, p, observability.KindSnapshot); err != nil {
		e.logger.Error("publish recovery snapshot", "err", err)
	}
}

func (e *Engine) handleDisconnect(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.logger.Warn("connection lost", "err", cause)
	e.setStateLocked(StateDisconnected)
}

func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.logger.Debug("session state", "from", e.state, "to", s)
	e.state = s
	observability.Sync().OnStateChange(context.Background(), e.opts.ProjectID, s.String())
}

// =============================================================================
// Publishing
// =============================================================================

// PublishSnapshot sends the full graph now and cancels any pending debounced
// publish. Unlike background publishes, failures are returned.
func (e *Engine) PublishSnapshot(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.snapshots.Cancel()
	p, err := e.snapshotPayloadLocked(nil)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.send(ctx, transport.StreamUpdate, p, observability.KindSnapshot)
}

func (e *Engine) publishDebounced(struct{}) {
	e.mu.Lock()
	if e.stopped || e.state != StateConnected {
		// The snapshot sent on reconnect covers this edit.
		e.mu.Unlock()
		return
	}
	p, err := e.snapshotPayloadLocked(nil)
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("build snapshot", "err", err)
		return
	}
	if err := e.send(context.Background(), transport.StreamUpdate, p, observability.KindSnapshot); err != nil {
		e.logger.Error("publish snapshot", "err", err)
	}
}

// publishCursor hands m to the cursor sender. The send runs on a clock
// callback so Drag never waits on the network. While a send is in flight only
// the newest message is kept.
func (e *Engine) publishCursor(m protocol.CursorMove) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.state != StateConnected {
		return
	}
	if e.sending {
		e.queued = &m
		return
	}
	e.sending = true
	gen := e.cursorGen
	e.opts.Clock.AfterFunc(0, func() { e.sendCursors(m, gen) })
}

func (e *Engine) sendCursors(m protocol.CursorMove, gen uint64) {
	e.mu.Lock()
	for {
		if gen != e.cursorGen {
			// Dropped by DragStop. A drag started since then may have queued
			// a newer message.
			if e.queued == nil {
				e.sending = false
				e.mu.Unlock()
				return
			}
			m, e.queued, gen = *e.queued, nil, e.cursorGen
		}
		if e.stopped || e.state != StateConnected {
			e.sending = false
			e.queued = nil
			e.mu.Unlock()
			return
		}
		e.sendMu.Lock()
		e.mu.Unlock()

		err := e.send(context.Background(), transport.StreamCursor, m.Payload(), observability.KindCursor)
		e.sendMu.Unlock()
		if err != nil {
			e.logger.Warn("publish cursor", "node", m.NodeID, "err", err)
		}

		e.mu.Lock()
		if e.queued == nil {
			e.sending = false
			e.mu.Unlock()
			return
		}
		m, e.queued, gen = *e.queued, nil, e.cursorGen
	}
}

// dropCursorsLocked discards cursor messages not yet on the wire.
func (e *Engine) dropCursorsLocked() {
	e.cursorGen++
	e.queued = nil
}

func (e *Engine) snapshotPayloadLocked(version *int64) (transport.Payload, error) {
	g := e.store.Graph()
	return protocol.Snapshot{
		ClientID:    e.opts.ClientID,
		BaseVersion: e.session.LastKnownVersion,
		Name:        e.name,
		Nodes:       g.Nodes,
		Edges:       g.Edges,
		Version:     version,
	}.Payload()
}

func (e *Engine) send(ctx context.Context, stream transport.Stream, p transport.Payload, kind string) error {
	err := e.ch.Send(ctx, transport.Destination(e.opts.ProjectID, stream), p)
	observability.Sync().OnPublish(ctx, e.opts.ProjectID, kind, err)
	if err != nil {
		return errors.Wrap(errors.ErrCodeTransport, err, "publish %s", kind)
	}
	return nil
}

// =============================================================================
// Inbound
// =============================================================================

// handleMessage is the subscription handler for both project topics. It never
// lets a failure escape to the transport.
func (e *Engine) handleMessage(p transport.Payload) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("inbound handler panic", "panic", r)
			e.drop(observability.DropPanic)
		}
	}()

	msg, err := protocol.Decode(p)
	if err != nil {
		e.report("drop malformed message", err)
		e.drop(observability.DropMalformed)
		return
	}

	switch m := msg.(type) {
	case protocol.Snapshot:
		e.applySnapshot(m)
	case protocol.CursorMove:
		e.applyMove(m)
	case protocol.Unknown:
		e.logger.Debug("drop unknown message", "type", m.Type)
		e.drop(observability.DropUnknown)
	}
}

func (e *Engine) applySnapshot(m protocol.Snapshot) {
	if m.ClientID == e.opts.ClientID {
		e.drop(observability.DropSelf)
		return
	}
	var dangling []string
	if !e.locked(func() {
		e.store.Replace(m.Nodes, m.Edges)
		e.session.setVersion(m.Version)
		if m.Name != "" {
			e.name = m.Name
		}
		dangling = e.store.DanglingEdges()
	}) {
		return
	}
	if len(dangling) > 0 {
		// Kept as received; those edges hold no anchors until the nodes appear.
		e.report("snapshot has dangling edges", errors.New(errors.ErrCodeInvariantViolation,
			"edges %v from %s reference missing nodes", dangling, m.ClientID))
	}
	e.logger.Debug("applied snapshot", "from", m.ClientID, "nodes", len(m.Nodes), "edges", len(m.Edges))
	observability.Sync().OnApply(context.Background(), e.opts.ProjectID, observability.KindSnapshot)
}

func (e *Engine) applyMove(m protocol.CursorMove) {
	if m.ClientID == e.opts.ClientID {
		e.drop(observability.DropSelf)
		return
	}

	var fresh, found bool
	if !e.locked(func() {
		if fresh = e.session.acceptSequence(m.NodeID, m.Sequence); fresh {
			found = e.store.PatchNodePosition(m.NodeID, m.X, m.Y)
		}
	}) {
		return
	}
	switch {
	case !fresh:
		e.report("drop stale cursor", errors.New(errors.ErrCodeStaleMessage, "cursor seq %d for %s", m.Sequence, m.NodeID))
		e.drop(observability.DropStale)
	case !found:
		e.logger.Debug("cursor for unknown node", "node", m.NodeID)
	default:
		observability.Sync().OnApply(context.Background(), e.opts.ProjectID, observability.KindCursor)
	}
}

// locked runs fn under the engine lock unless the engine is stopped, and
// reports whether it ran.
func (e *Engine) locked(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	fn()
	return true
}

// report logs an inbound problem, at debug level for the expected kinds.
func (e *Engine) report(msg string, err error) {
	if errors.Silent(err) {
		e.logger.Debug(msg, "err", err)
		return
	}
	e.logger.Warn(msg, "err", err)
}

func (e *Engine) drop(reason string) {
	observability.Sync().OnDrop(context.Background(), e.opts.ProjectID, reason)
}

// =============================================================================
// Local edits
// =============================================================================

// edit runs fn against the store and schedules a debounced publish if fn
// succeeds.
func (e *Engine) edit(fn func() error) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	err := fn()
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.snapshots.Call(struct{}{})
	return nil
}

// AddNode adds an entity. An empty ID is replaced by a random one. The node
// as stored is returned.
func (e *Engine) AddNode(n diagram.Node) (diagram.Node, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if err := errors.ValidateID("node", n.ID); err != nil {
		return diagram.Node{}, err
	}
	err := e.edit(func() error {
		if err := e.store.AddNode(n); err != nil {
			return storeError(err, "add node %s", n.ID)
		}
		n, _ = e.store.Node(n.ID)
		return nil
	})
	if err != nil {
		return diagram.Node{}, err
	}
	return n, nil
}

// RemoveNode removes an entity and every relation touching it.
func (e *Engine) RemoveNode(id string) error {
	return e.edit(func() error {
		removed, err := e.store.RemoveNode(id)
		if err != nil {
			return storeError(err, "remove node %s", id)
		}
		for _, edge := range removed {
			e.logger.Debug("cascade remove edge", "edge", edge.ID, "node", id)
		}
		return nil
	})
}

// UpdateNode replaces an entity's label and attributes.
func (e *Engine) UpdateNode(id, label string, attrs []diagram.Attribute) error {
	return e.edit(func() error {
		if err := e.store.UpdateNode(id, label, attrs); err != nil {
			return storeError(err, "update node %s", id)
		}
		return nil
	})
}

// MoveNode commits a node position.
func (e *Engine) MoveNode(id string, x, y float64) error {
	return e.edit(func() error {
		if !e.store.PatchNodePosition(id, x, y) {
			return errors.New(errors.ErrCodeNotFound, "move node %s: unknown node", id)
		}
		return nil
	})
}

// AddEdge adds a relation. Empty anchors are chosen by the allocator using
// the positions of both nodes; anchors given explicitly must be available.
// An empty ID is replaced by a random one. The edge as stored is returned.
func (e *Engine) AddEdge(edge diagram.Edge) (diagram.Edge, error) {
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if err := errors.ValidateID("edge", edge.ID); err != nil {
		return diagram.Edge{}, err
	}
	err := e.edit(func() error {
		if err := e.allocateLocked(&edge); err != nil {
			return err
		}
		if err := e.store.AddEdge(edge); err != nil {
			return storeError(err, "add edge %s", edge.ID)
		}
		return nil
	})
	if err != nil {
		return diagram.Edge{}, err
	}
	return edge, nil
}

func (e *Engine) allocateLocked(edge *diagram.Edge) error {
	src, ok := e.store.Node(edge.Source)
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "add edge %s: unknown source node %s", edge.ID, edge.Source)
	}
	dst, ok := e.store.Node(edge.Target)
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "add edge %s: unknown target node %s", edge.ID, edge.Target)
	}
	edges := e.store.Edges()

	pick := func(id *anchor.ID, nodeID string, role anchor.Role, geo anchor.Geometry) error {
		if *id == "" {
			*id = anchor.Select(nodeID, role, edges, &geo)
			return nil
		}
		if !id.Valid() {
			return errors.New(errors.ErrCodeInvalidInput, "unknown anchor %q", *id)
		}
		if !anchor.IsAvailable(nodeID, *id, role, edges) {
			return errors.New(errors.ErrCodeAnchorUnavailable, "anchor %s of %s is in use", *id, nodeID)
		}
		return nil
	}
	if err := pick(&edge.SourceAnchor, edge.Source, anchor.RoleSource,
		anchor.Geometry{Self: src.Position, Peer: dst.Position}); err != nil {
		return err
	}
	return pick(&edge.TargetAnchor, edge.Target, anchor.RoleTarget,
		anchor.Geometry{Self: dst.Position, Peer: src.Position})
}

// RemoveEdge removes a relation.
func (e *Engine) RemoveEdge(id string) error {
	return e.edit(func() error {
		if err := e.store.RemoveEdge(id); err != nil {
			return storeError(err, "remove edge %s", id)
		}
		return nil
	})
}

// UpdateRelation replaces a relation's metadata.
func (e *Engine) UpdateRelation(id string, r diagram.Relation) error {
	if !r.Kind.Valid() {
		return errors.New(errors.ErrCodeInvalidInput, "unknown relation kind %q", r.Kind)
	}
	return e.edit(func() error {
		if err := e.store.UpdateRelation(id, r); err != nil {
			return storeError(err, "update relation %s", id)
		}
		return nil
	})
}

// Drag moves a node that is still being dragged. The position is streamed to
// peers as throttled cursor messages; no snapshot is scheduled. Drag does not
// wait for the transport: cursor messages are sent from a clock callback.
func (e *Engine) Drag(id string, x, y float64) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if !e.store.PatchNodePosition(id, x, y) {
		e.mu.Unlock()
		return errors.New(errors.ErrCodeNotFound, "drag node %s: unknown node", id)
	}
	e.cursorSeq++
	m := protocol.CursorMove{
		ClientID:  e.opts.ClientID,
		NodeID:    id,
		X:         x,
		Y:         y,
		Timestamp: e.opts.Clock.Now().UnixMilli(),
		Sequence:  e.cursorSeq,
	}
	e.mu.Unlock()

	e.cursor.Call(m)
	return nil
}

// DragStop commits the final position of a drag and publishes a snapshot
// immediately. A trailing cursor message still pending is dropped; the
// snapshot carries the final position.
func (e *Engine) DragStop(ctx context.Context, id string, x, y float64) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	found := e.store.PatchNodePosition(id, x, y)
	if found {
		e.dropCursorsLocked()
	}
	e.mu.Unlock()
	if !found {
		return errors.New(errors.ErrCodeNotFound, "drag node %s: unknown node", id)
	}

	e.cursor.Cancel()
	// Wait out a cursor message already on the wire so it reaches peers
	// before the snapshot.
	e.sendMu.Lock()
	e.sendMu.Unlock()
	return e.PublishSnapshot(ctx)
}

func storeError(err error, format string, args ...any) error {
	code := errors.ErrCodeInternal
	switch {
	case stderrors.Is(err, diagram.ErrDuplicateNodeID), stderrors.Is(err, diagram.ErrDuplicateEdgeID):
		code = errors.ErrCodeDuplicateID
	case stderrors.Is(err, diagram.ErrUnknownNode), stderrors.Is(err, diagram.ErrUnknownEdge),
		stderrors.Is(err, diagram.ErrUnknownSourceNode), stderrors.Is(err, diagram.ErrUnknownTargetNode):
		code = errors.ErrCodeNotFound
	case stderrors.Is(err, diagram.ErrInvalidNodeID), stderrors.Is(err, diagram.ErrInvalidEdgeID):
		code = errors.ErrCodeInvalidID
	}
	return errors.Wrap(code, err, format, args...)
}

// =============================================================================
// Persistence
// =============================================================================

// Load replaces the graph with the project's persisted document and records
// its version. Call it before Start; nothing is published.
func (e *Engine) Load(ctx context.Context, st persist.Store) error {
	doc, err := st.Load(ctx, e.opts.ProjectID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	e.store.Replace(doc.Nodes, doc.Edges)
	if doc.Version > 0 {
		e.session.setVersion(&doc.Version)
	}
	if doc.Name != "" {
		e.name = doc.Name
	}
	e.logger.Info("loaded project", "version", doc.Version, "nodes", len(doc.Nodes), "edges", len(doc.Edges))
	return nil
}

// Save persists the current graph and returns the new version. When
// connected, a snapshot carrying the version is published so peers learn it;
// a failure to publish is logged, not returned.
func (e *Engine) Save(ctx context.Context, st persist.Store) (int64, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return 0, ErrStopped
	}
	g := e.store.Graph()
	doc := persist.Document{Name: e.name, Nodes: g.Nodes, Edges: g.Edges}
	e.mu.Unlock()

	version, err := st.Save(ctx, e.opts.ProjectID, doc)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.session.setVersion(&version)
	connected := e.state == StateConnected && !e.stopped
	var p transport.Payload
	if connected {
		e.snapshots.Cancel()
		p, err = e.snapshotPayloadLocked(&version)
	}
	e.mu.Unlock()

	e.logger.Info("saved project", "version", version)
	if !connected {
		return version, nil
	}
	if err == nil {
		err = e.send(ctx, transport.StreamUpdate, p, observability.KindSnapshot)
	}
	if err != nil {
		e.logger.Warn("publish saved snapshot", "err", err)
	}
	return version, nil
}

// =============================================================================
// Accessors
// =============================================================================

// ClientID returns the session's client ID.
func (e *Engine) ClientID() string { return e.opts.ClientID }

// ProjectID returns the project the session edits.
func (e *Engine) ProjectID() string { return e.opts.ProjectID }

// State returns the connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Name returns the project name.
func (e *Engine) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// Graph returns a copy of the current graph, with anchor usage.
func (e *Engine) Graph() diagram.Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Graph()
}

// Node returns a copy of one node.
func (e *Engine) Node(id string) (diagram.Node, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Node(id)
}

// Session returns a copy of the session state.
func (e *Engine) Session() SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := SessionState{
		ClientID:         e.session.ClientID,
		LastSeenSequence: make(map[string]int64, len(e.session.LastSeenSequence)),
	}
	if e.session.LastKnownVersion != nil {
		v := *e.session.LastKnownVersion
		s.LastKnownVersion = &v
	}
	for k, v := range e.session.LastSeenSequence {
		s.LastSeenSequence[k] = v
	}
	return s
}
