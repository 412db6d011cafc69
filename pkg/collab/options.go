package collab

import (
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/matzehuels/diagramsync/pkg/errors"
	"github.com/matzehuels/diagramsync/pkg/schedule"
)

// Default timings.
const (
	DefaultSnapshotDelay  = 500 * time.Millisecond
	DefaultCursorInterval = 50 * time.Millisecond
)

// Options configures an Engine.
type Options struct {
	// ProjectID scopes the topics the Engine uses. Required.
	ProjectID string

	// Name is the project name carried in snapshots.
	Name string

	// ClientID identifies this session. Default: a random UUID.
	ClientID string

	// Session is the state object the Engine reads and updates. Default:
	// NewSessionState(ClientID). When set, its ClientID wins over ClientID.
	Session *SessionState

	// SnapshotDelay is the quiet period before a local edit is published.
	SnapshotDelay time.Duration

	// CursorInterval is the minimum gap between cursor messages.
	CursorInterval time.Duration

	// Clock drives both limiters. Default: schedule.System.
	Clock schedule.Clock

	// Logger receives engine diagnostics. Nil discards them.
	Logger *log.Logger
}

// ValidateAndSetDefaults checks required fields and applies defaults.
func (o *Options) ValidateAndSetDefaults() error {
	if err := errors.ValidateID("project", o.ProjectID); err != nil {
		return err
	}
	if o.Session != nil && o.Session.ClientID != "" {
		o.ClientID = o.Session.ClientID
	}
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.Session == nil {
		o.Session = NewSessionState(o.ClientID)
	}
	o.Session.ClientID = o.ClientID
	if o.Session.LastSeenSequence == nil {
		o.Session.LastSeenSequence = make(map[string]int64)
	}
	if o.SnapshotDelay <= 0 {
		o.SnapshotDelay = DefaultSnapshotDelay
	}
	if o.CursorInterval <= 0 {
		o.CursorInterval = DefaultCursorInterval
	}
	if o.Clock == nil {
		o.Clock = schedule.System
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard)
	}
	return nil
}
