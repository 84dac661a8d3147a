// Package localstore persists the document tree in SQLite through gorm,
// one row per leaf path. It suits a single-process deployment that must
// survive restarts without an external database.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/precise-goals/finvoice/internal/infra/docpath"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Node is one stored leaf.
type Node struct {
	Path  string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}

type subscription struct {
	path string
	fn   func(any)
}

// Store implements port.DocumentStore on SQLite.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	// writes are serialized so that notifications follow commit order
	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[uint64]subscription
	nextID uint64
}

// Open opens (or creates) the database at dsn and migrates the schema.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&Node{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db, logger: log, subs: make(map[uint64]subscription)}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// subtree matches path itself and every path below it.
func subtree(tx *gorm.DB, path string) *gorm.DB {
	prefix := path + "/"
	return tx.Where("path = ? OR substr(path, 1, ?) = ?", path, utf8.RuneCountInString(prefix), prefix)
}

// Get assembles the value at path from its leaves, or nil.
func (s *Store) Get(ctx context.Context, path string) (any, error) {
	if err := docpath.Validate(path); err != nil {
		return nil, err
	}
	return s.read(s.db.WithContext(ctx), docpath.Join(path))
}

func (s *Store) read(tx *gorm.DB, path string) (any, error) {
	var nodes []Node
	q := tx
	if path != "" {
		q = subtree(tx, path)
	}
	if err := q.Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}

	base := len(docpath.Split(path))
	var tree any
	for _, n := range nodes {
		var v any
		if err := json.Unmarshal([]byte(n.Value), &v); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", n.Path, err)
		}
		tree = docpath.Put(tree, docpath.Split(n.Path)[base:], v)
	}
	return tree, nil
}

// Set replaces the value at path.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	return s.Update(ctx, "", map[string]any{path: value})
}

// Update writes every field below path in one transaction.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := docpath.Validate(path); err != nil {
		return err
	}
	values := make(map[string]any, len(fields))
	for k, raw := range fields {
		full := docpath.Join(path, k)
		if err := docpath.Validate(full); err != nil {
			return err
		}
		if full == "" {
			return fmt.Errorf("cannot write the root node")
		}
		v, err := docpath.Normalize(raw)
		if err != nil {
			return err
		}
		values[full] = v
	}

	s.writeMu.Lock()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for full, v := range values {
			if err := writeNode(tx, full, v); err != nil {
				return err
			}
		}
		return nil
	})
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	for full := range values {
		s.notify(ctx, full)
	}
	return nil
}

// writeNode replaces the subtree at path with v. Scalars stored at any
// ancestor are removed since the node now has children.
func writeNode(tx *gorm.DB, path string, v any) error {
	if err := subtree(tx, path).Delete(&Node{}).Error; err != nil {
		return fmt.Errorf("clearing %q: %w", path, err)
	}
	segs := docpath.Split(path)
	ancestors := make([]string, 0, len(segs))
	for i := 1; i < len(segs); i++ {
		ancestors = append(ancestors, docpath.Join(segs[:i]...))
	}
	if len(ancestors) > 0 {
		if err := tx.Where("path IN ?", ancestors).Delete(&Node{}).Error; err != nil {
			return fmt.Errorf("clearing ancestors of %q: %w", path, err)
		}
	}

	leaves := docpath.Leaves(path, v)
	if len(leaves) == 0 {
		return nil
	}
	nodes := make([]Node, 0, len(leaves))
	for p, leaf := range leaves {
		raw, err := json.Marshal(leaf)
		if err != nil {
			return fmt.Errorf("encoding %q: %w", p, err)
		}
		nodes = append(nodes, Node{Path: p, Value: string(raw)})
	}
	if err := tx.Create(&nodes).Error; err != nil {
		return fmt.Errorf("writing %q: %w", path, err)
	}
	return nil
}

// Delete removes path and its children.
func (s *Store) Delete(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

// Subscribe calls fn with the value at path now and after every write
// through this store that touches it.
func (s *Store) Subscribe(ctx context.Context, path string, fn func(any)) (func(), error) {
	if err := docpath.Validate(path); err != nil {
		return nil, err
	}
	path = docpath.Join(path)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = subscription{path: path, fn: fn}
	s.mu.Unlock()

	current, err := s.Get(ctx, path)
	if err != nil {
		s.unsubscribe(id)
		return nil, err
	}
	fn(current)

	var once sync.Once
	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)
			s.unsubscribe(id)
		})
	}
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				cancel()
			case <-stop:
			}
		}()
	}
	return cancel, nil
}

func (s *Store) unsubscribe(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func (s *Store) notify(ctx context.Context, changed string) {
	s.mu.Lock()
	var targets []subscription
	for _, sub := range s.subs {
		if docpath.Related(sub.path, changed) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		v, err := s.Get(context.WithoutCancel(ctx), sub.path)
		if err != nil {
			s.logger.Warn("localstore: reading changed node failed", zap.String("path", sub.path), zap.Error(err))
			continue
		}
		sub.fn(v)
	}
}
