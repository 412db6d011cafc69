package persist

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/matzehuels/diagramsync/pkg/errors"
)

// File stores one JSON document per project in a directory. Writes go to a
// temporary file that is renamed into place. Version increments are atomic
// within one process only.
type File struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFile creates a file store in dir. The directory is created if it
// doesn't exist.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "create storage dir")
	}
	return &File{dir: dir, now: time.Now}, nil
}

// Load reads the document of a project.
func (f *File) Load(ctx context.Context, projectID string) (doc Document, err error) {
	start := time.Now()
	defer func() { observeLoad(ctx, BackendFile, start, err) }()
	if err := errors.ValidateID("project", projectID); err != nil {
		return Document{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(projectID)
}

func (f *File) read(projectID string) (Document, error) {
	data, err := os.ReadFile(f.path(projectID))
	if os.IsNotExist(err) {
		return emptyDocument(projectID), nil
	}
	if err != nil {
		return Document{}, errors.Wrap(errors.ErrCodeInternal, err, "read project %s", projectID)
	}
	var doc Document
	if err := sonic.ConfigStd.Unmarshal(data, &doc); err != nil {
		return Document{}, errors.Wrap(errors.ErrCodeInternal, err, "decode project %s", projectID)
	}
	return cloneDocument(doc), nil
}

// Save writes doc with the next version.
func (f *File) Save(ctx context.Context, projectID string, doc Document) (version int64, err error) {
	start := time.Now()
	defer func() { observeSave(ctx, BackendFile, version, start, err) }()
	if err := validateDocument(projectID, doc); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	prev, err := f.read(projectID)
	if err != nil {
		return 0, err
	}
	stored := cloneDocument(doc)
	stored.ProjectID = projectID
	stored.Version = prev.Version + 1
	stored.UpdatedAt = f.now().UTC()

	data, err := sonic.ConfigStd.MarshalIndent(stored, "", "  ")
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeInternal, err, "encode project %s", projectID)
	}
	if err := writeAtomic(f.path(projectID), data); err != nil {
		return 0, errors.Wrap(errors.ErrCodeInternal, err, "write project %s", projectID)
	}
	return stored.Version, nil
}

// Close does nothing for the file store.
func (f *File) Close() error { return nil }

func (f *File) path(projectID string) string {
	return filepath.Join(f.dir, projectID+".json")
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var _ Store = (*File)(nil)
