// Package mongostore keeps each "{root}/{id}" subtree as one MongoDB
// document and maps deeper paths to dotted field names.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/precise-goals/finvoice/internal/infra/docpath"
	"github.com/precise-goals/finvoice/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("mongostore")

const (
	service   = "mongodb"
	dataField = "data"
)

// Store implements port.DocumentStore on a MongoDB collection.
type Store struct {
	coll   *mongo.Collection
	cb     *gobreaker.CircuitBreaker
	cfg    resilience.Config
	logger *zap.Logger
}

// Connect dials uri and returns a store on database.collection.
func Connect(ctx context.Context, uri, database, collection string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) (*Store, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("pinging mongodb: %w", err)
	}
	logger.Info("connected to mongodb", zap.String("database", database), zap.String("collection", collection))
	return New(client.Database(database).Collection(collection), cb, cfg, logger), client.Disconnect, nil
}

// New wraps an existing collection.
func New(coll *mongo.Collection, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Store {
	return &Store{coll: coll, cb: cb, cfg: cfg, logger: logger}
}

// location splits path into the owning document id and the dotted field
// below it. Paths must name at least "{root}/{id}".
func location(path string) (id, field string, err error) {
	if err := docpath.Validate(path); err != nil {
		return "", "", err
	}
	segs := docpath.Split(path)
	if len(segs) < 2 {
		return "", "", fmt.Errorf("path %q does not address a document", path)
	}
	id = segs[0] + "/" + segs[1]
	field = strings.Join(append([]string{dataField}, segs[2:]...), ".")
	return id, field, nil
}

func (s *Store) call(ctx context.Context, fn func() error) error {
	return resilience.Call(ctx, s.cb, s.cfg, service, fn)
}

// Get returns the value at path, or nil.
func (s *Store) Get(ctx context.Context, path string) (any, error) {
	id, field, err := location(path)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "Mongo.Get")
	defer span.End()
	span.SetAttributes(attribute.String("doc.path", path))

	var doc bson.M
	err = s.call(ctx, func() error {
		doc = nil
		err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		return err
	})
	if err != nil || doc == nil {
		return nil, err
	}

	v := docpath.Lookup(plain(doc), strings.Split(field, "."))
	return docpath.Normalize(v)
}

// Set replaces the value at path.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	id, field, err := location(path)
	if err != nil {
		return err
	}
	v, err := docpath.Normalize(value)
	if err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "Mongo.Set")
	defer span.End()
	span.SetAttributes(attribute.String("doc.path", path))

	return s.call(ctx, func() error {
		return s.apply(ctx, id, buildUpdate(map[string]any{field: v}))
	})
}

// Update writes every field below path in one atomic document update.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	id, field, err := location(path)
	if err != nil {
		return err
	}
	values := make(map[string]any, len(fields))
	for k, raw := range fields {
		if err := docpath.Validate(k); err != nil {
			return err
		}
		v, err := docpath.Normalize(raw)
		if err != nil {
			return err
		}
		values[field+"."+strings.Join(docpath.Split(k), ".")] = v
	}
	if len(values) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "Mongo.Update")
	defer span.End()
	span.SetAttributes(attribute.String("doc.path", path), attribute.Int("fields", len(fields)))

	return s.call(ctx, func() error {
		return s.apply(ctx, id, buildUpdate(values))
	})
}

// Delete removes path and its children. Deleting "{root}/{id}" drops the
// whole document.
func (s *Store) Delete(ctx context.Context, path string) error {
	id, field, err := location(path)
	if err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "Mongo.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("doc.path", path))

	return s.call(ctx, func() error {
		if field == dataField {
			_, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
			return err
		}
		return s.apply(ctx, id, buildUpdate(map[string]any{field: nil}))
	})
}

func (s *Store) apply(ctx context.Context, id string, update bson.M) error {
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, update, options.Update().SetUpsert(true))
	return err
}

// Ping checks the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// Subscribe calls fn with the value at path now and after every change to
// its document. It needs a replica set; on a standalone server Watch fails
// and the error is returned.
func (s *Store) Subscribe(ctx context.Context, path string, fn func(any)) (func(), error) {
	id, _, err := location(path)
	if err != nil {
		return nil, err
	}

	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"documentKey._id": id}}}}
	cs, err := s.coll.Watch(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("watching %s: %w", id, err)
	}

	current, err := s.Get(ctx, path)
	if err != nil {
		_ = cs.Close(ctx)
		return nil, err
	}
	fn(current)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cs.Close(context.Background())
		for cs.Next(ctx) {
			v, err := s.Get(ctx, path)
			if err != nil {
				s.logger.Warn("mongostore: reading changed document failed", zap.String("path", path), zap.Error(err))
				continue
			}
			fn(v)
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			s.logger.Warn("mongostore: change stream ended", zap.String("path", path), zap.Error(err))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

// buildUpdate turns dotted field values into $set and $unset operators. A
// nil value unsets the field.
func buildUpdate(values map[string]any) bson.M {
	set, unset := bson.M{}, bson.M{}
	for k, v := range values {
		if v == nil {
			unset[k] = ""
		} else {
			set[k] = v
		}
	}
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

// plain converts decoded BSON into the shapes docpath works with.
func plain(v any) any {
	switch t := v.(type) {
	case bson.M:
		return plainMap(t)
	case map[string]any:
		return plainMap(t)
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = plain(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = plain(child)
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case primitive.Decimal128:
		f, err := decimal128Float(t)
		if err != nil {
			return t.String()
		}
		return f
	case primitive.DateTime:
		return float64(t)
	default:
		return v
	}
}

func plainMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, child := range m {
		out[k] = plain(child)
	}
	return out
}

func decimal128Float(d primitive.Decimal128) (float64, error) {
	return strconv.ParseFloat(d.String(), 64)
}
