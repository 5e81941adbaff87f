// Package mongo wraps the MongoDB driver surface the document store rides
// on. Callers connect a driver client, hand it to New and receive a narrow
// interface: collection handles plus the database-level commands backing
// container management. The seams mirror the driver so unit tests can
// substitute collections without a server.
package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// namespaceExistsCode is the server error for creating an existing
// collection.
const namespaceExistsCode = 48

type (
	// Options configures the client.
	Options struct {
		// Client is the connected driver client. Required.
		Client *mongodriver.Client

		// Database holds the runtime's collections. Required.
		Database string
	}

	// Client is the Mongo surface the document store runs on.
	Client interface {
		// Collection returns the named collection handle.
		Collection(name string) Collection

		// CollectionNames lists the database's collections.
		CollectionNames(ctx context.Context) ([]string, error)

		// CreateCollection provisions the collection. Creating one
		// that already exists is a no-op.
		CreateCollection(ctx context.Context, name string) error

		// DropCollection removes the collection and its documents.
		DropCollection(ctx context.Context, name string) error

		// Ping verifies the primary is reachable.
		Ping(ctx context.Context) error

		// Disconnect closes the driver connection.
		Disconnect(ctx context.Context) error
	}

	// Collection is one collection's operation surface.
	Collection interface {
		// InsertOne stores a new document.
		InsertOne(ctx context.Context, doc any) error

		// FindOne returns the first document matching filter.
		FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) SingleResult

		// FindOneAndUpdate applies update to the first document
		// matching filter and returns the updated document.
		FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) SingleResult

		// Find returns a cursor over the documents matching filter.
		Find(ctx context.Context, filter any, opts ...*options.FindOptions) (Cursor, error)

		// DeleteOne removes the first document matching filter and
		// reports how many documents were removed.
		DeleteOne(ctx context.Context, filter any) (int64, error)

		// Indexes returns the collection's index view.
		Indexes() IndexView
	}

	// SingleResult holds one decodable query result.
	SingleResult interface {
		Decode(val any) error
	}

	// Cursor iterates a multi-document result.
	Cursor interface {
		Close(ctx context.Context) error
		Decode(val any) error
		Err() error
		Next(ctx context.Context) bool
	}

	// IndexView manages a collection's indexes.
	IndexView interface {
		CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
	}
)

type client struct {
	mongo *mongodriver.Client
	db    *mongodriver.Database
}

// New validates opts and builds the client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	return &client{
		mongo: opts.Client,
		db:    opts.Client.Database(opts.Database),
	}, nil
}

func (c *client) Collection(name string) Collection {
	return mongoCollection{coll: c.db.Collection(name)}
}

func (c *client) CollectionNames(ctx context.Context) ([]string, error) {
	return c.db.ListCollectionNames(ctx, bson.M{})
}

func (c *client) CreateCollection(ctx context.Context, name string) error {
	err := c.db.CreateCollection(ctx, name)
	if err == nil {
		return nil
	}
	var cmdErr mongodriver.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == namespaceExistsCode {
		return nil
	}
	return err
}

func (c *client) DropCollection(ctx context.Context, name string) error {
	return c.db.Collection(name).Drop(ctx)
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Disconnect(ctx context.Context) error {
	return c.mongo.Disconnect(ctx)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) SingleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) SingleResult {
	return mongoSingleResult{res: c.coll.FindOneAndUpdate(ctx, filter, update, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (Cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c mongoCollection) Indexes() IndexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
