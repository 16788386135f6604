// Package mongo stores documents in MongoDB, one collection per document kind.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/quantumshield/backend/internal/app/storage"
)

const (
	idField       = "_id"
	seqField      = "_seq"
	countersTable = "_counters"
)

// Backend implements storage.Backend on a MongoDB database.
type Backend struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ storage.Backend = (*Backend)(nil)

// Open connects to uri and selects database.
func Open(ctx context.Context, uri, database string) (*Backend, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Backend{client: client, db: client.Database(database)}, nil
}

func (b *Backend) Insert(ctx context.Context, collection, id string, doc []byte) error {
	seq, err := b.nextSeq(ctx, collection)
	if err != nil {
		return err
	}
	d, err := toDocument(id, seq, doc)
	if err != nil {
		return err
	}
	if _, err := b.db.Collection(collection).InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, collection, id string, doc []byte) error {
	coll := b.db.Collection(collection)

	var existing struct {
		Seq int64 `bson:"_seq"`
	}
	err := coll.FindOne(ctx, bson.M{idField: id}, options.FindOne().SetProjection(bson.M{seqField: 1})).Decode(&existing)
	seq := existing.Seq
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		if seq, err = b.nextSeq(ctx, collection); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("lookup %s/%s: %w", collection, id, err)
	}

	d, err := toDocument(id, seq, doc)
	if err != nil {
		return err
	}
	_, err = coll.ReplaceOne(ctx, bson.M{idField: id}, d, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, id, err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, collection, id string) ([]byte, error) {
	var d bson.D
	err := b.db.Collection(collection).FindOne(ctx, bson.M{idField: id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return fromDocument(d)
}

func (b *Backend) Delete(ctx context.Context, collection, id string) error {
	res, err := b.db.Collection(collection).DeleteOne(ctx, bson.M{idField: id})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) List(ctx context.Context, collection string, filter storage.Filter) ([][]byte, error) {
	query, opts := buildFind(filter)
	cur, err := b.db.Collection(collection).Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	out := make([][]byte, 0)
	for cur.Next(ctx) {
		var d bson.D
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", collection, err)
		}
		body, err := fromDocument(d)
		if err != nil {
			return nil, err
		}
		out = append(out, body)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return out, nil
}

func (b *Backend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.client.Disconnect(ctx)
}

func (b *Backend) nextSeq(ctx context.Context, collection string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := b.db.Collection(countersTable).FindOneAndUpdate(
		ctx,
		bson.M{idField: collection},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", collection, err)
	}
	return counter.Seq, nil
}

func buildFind(filter storage.Filter) (bson.M, *options.FindOptions) {
	query := bson.M{}
	for k, v := range filter.Equals {
		query[k] = v
	}
	if filter.After != "" {
		query[idField] = bson.M{"$gt": filter.After}
	}
	order := 1
	if filter.Reverse {
		order = -1
	}
	opts := options.Find().SetSort(bson.D{{Key: seqField, Value: order}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	return query, opts
}

// toDocument converts a JSON document into BSON with the storage id and
// insertion sequence attached.
func toDocument(id string, seq int64, doc []byte) (bson.D, error) {
	var d bson.D
	if err := bson.UnmarshalExtJSON(doc, false, &d); err != nil {
		return nil, fmt.Errorf("convert document %s: %w", id, err)
	}
	out := make(bson.D, 0, len(d)+2)
	out = append(out, bson.E{Key: idField, Value: id}, bson.E{Key: seqField, Value: seq})
	for _, e := range d {
		if e.Key == idField || e.Key == seqField {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// fromDocument strips storage fields and renders relaxed extended JSON.
func fromDocument(d bson.D) ([]byte, error) {
	out := make(bson.D, 0, len(d))
	for _, e := range d {
		if e.Key == idField || e.Key == seqField {
			continue
		}
		out = append(out, e)
	}
	body, err := bson.MarshalExtJSON(out, false, false)
	if err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}
	return body, nil
}
