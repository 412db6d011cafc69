package collab

// State is the connection state of a session.
type State int

// Session states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// SessionState is the per-session bookkeeping of an Engine.
//
// LastSeenSequence is keyed by node ID only. Two remote senders dragging the
// same node share one counter, so a sample from the sender with the lower
// counter can be discarded as stale.
type SessionState struct {
	// ClientID identifies this session's own messages.
	ClientID string

	// LastKnownVersion is the persisted version this session last saw, nil
	// if none.
	LastKnownVersion *int64

	// LastSeenSequence is the highest cursor sequence applied per node.
	LastSeenSequence map[string]int64
}

// NewSessionState returns an empty state for clientID.
func NewSessionState(clientID string) *SessionState {
	return &SessionState{ClientID: clientID, LastSeenSequence: make(map[string]int64)}
}

// acceptSequence records seq for nodeID and reports whether it is newer than
// anything seen before.
func (s *SessionState) acceptSequence(nodeID string, seq int64) bool {
	if last, ok := s.LastSeenSequence[nodeID]; ok && seq <= last {
		return false
	}
	s.LastSeenSequence[nodeID] = seq
	return true
}

func (s *SessionState) setVersion(v *int64) {
	if v == nil {
		return
	}
	n := *v
	s.LastKnownVersion = &n
}
