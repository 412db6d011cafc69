package persist

import (
	"context"
	"sync"
	"time"

	"github.com/matzehuels/diagramsync/pkg/errors"
)

// Memory keeps documents in a map. It is safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Document
	now  func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document), now: time.Now}
}

// Load returns a copy of the stored document.
func (m *Memory) Load(ctx context.Context, projectID string) (doc Document, err error) {
	start := time.Now()
	defer func() { observeLoad(ctx, BackendMemory, start, err) }()
	if err := errors.ValidateID("project", projectID); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[projectID]
	if !ok {
		return emptyDocument(projectID), nil
	}
	return cloneDocument(d), nil
}

// Save stores a copy of doc.
func (m *Memory) Save(ctx context.Context, projectID string, doc Document) (int64, error) {
	start := time.Now()
	if err := validateDocument(projectID, doc); err != nil {
		observeSave(ctx, BackendMemory, 0, start, err)
		return 0, err
	}
	m.mu.Lock()
	prev := m.docs[projectID]
	stored := cloneDocument(doc)
	stored.ProjectID = projectID
	stored.Version = prev.Version + 1
	stored.UpdatedAt = m.now()
	m.docs[projectID] = stored
	m.mu.Unlock()

	observeSave(ctx, BackendMemory, stored.Version, start, nil)
	return stored.Version, nil
}

// Close does nothing for the memory store.
func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
