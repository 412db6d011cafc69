package persist

import (
	"context"
	stderrors "errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/matzehuels/diagramsync/pkg/errors"
)

// MongoOptions configures the MongoDB backend.
type MongoOptions struct {
	URI        string
	Database   string
	Collection string

	// Attempts bounds retries of operations failing with network errors or
	// timeouts. Default 3.
	Attempts int

	// RetryDelay is the first backoff delay. Default 200ms.
	RetryDelay time.Duration
}

// ValidateAndSetDefaults checks required fields and applies defaults.
func (o *MongoOptions) ValidateAndSetDefaults() error {
	if err := errors.ValidateURL(o.URI, "mongodb", "mongodb+srv"); err != nil {
		return err
	}
	if o.Database == "" {
		o.Database = "diagramsync"
	}
	if o.Collection == "" {
		o.Collection = "diagrams"
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	return nil
}

// Mongo stores one document per project, keyed by project ID. Save bumps
// the version with $inc in the same update that writes the graph, so
// concurrent writers never reuse a version.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
	opts   MongoOptions
}

// NewMongo connects to MongoDB and verifies the connection.
func NewMongo(ctx context.Context, opts MongoOptions) (*Mongo, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "connect to mongo")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "ping mongo")
	}
	return &Mongo{
		client: client,
		coll:   client.Database(opts.Database).Collection(opts.Collection),
		opts:   opts,
	}, nil
}

// Load fetches the project document.
func (m *Mongo) Load(ctx context.Context, projectID string) (doc Document, err error) {
	start := time.Now()
	defer func() { observeLoad(ctx, BackendMongo, start, err) }()
	if err := errors.ValidateID("project", projectID); err != nil {
		return Document{}, err
	}

	err = m.retry(ctx, func() error {
		return classify(m.coll.FindOne(ctx, bson.M{"_id": projectID}).Decode(&doc))
	})
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return emptyDocument(projectID), nil
	}
	if err != nil {
		return Document{}, errors.Wrap(errors.ErrCodeInternal, err, "load project %s", projectID)
	}
	return cloneDocument(doc), nil
}

// Save upserts the project document and returns its incremented version.
func (m *Mongo) Save(ctx context.Context, projectID string, doc Document) (version int64, err error) {
	start := time.Now()
	defer func() { observeSave(ctx, BackendMongo, version, start, err) }()
	if err := validateDocument(projectID, doc); err != nil {
		return 0, err
	}
	doc = cloneDocument(doc)

	update := bson.M{
		"$set": bson.M{
			"name":       doc.Name,
			"nodes":      doc.Nodes,
			"edges":      doc.Edges,
			"updated_at": time.Now().UTC(),
		},
		"$inc": bson.M{"version": int64(1)},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(bson.M{"version": 1})

	var out struct {
		Version int64 `bson:"version"`
	}
	// A retried update may apply twice; the version then skips one number,
	// which readers tolerate.
	err = m.retry(ctx, func() error {
		return classify(m.coll.FindOneAndUpdate(ctx, bson.M{"_id": projectID}, update, opts).Decode(&out))
	})
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeInternal, err, "save project %s", projectID)
	}
	return out.Version, nil
}

// Close disconnects the client.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) retry(ctx context.Context, fn func() error) error {
	return retryWithBackoff(ctx, m.opts.Attempts, m.opts.RetryDelay, fn)
}

// classify marks transient driver errors as retryable.
func classify(err error) error {
	if err != nil && (mongo.IsNetworkError(err) || mongo.IsTimeout(err)) {
		return retryable(err)
	}
	return err
}

var _ Store = (*Mongo)(nil)
