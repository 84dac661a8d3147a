// Package memstore is an in-process document store. It is the default
// backend and the one used by tests.
package memstore

import (
	"context"
	"sync"

	"github.com/precise-goals/finvoice/internal/infra/docpath"
)

type subscription struct {
	path string
	fn   func(any)
}

// Store is a thread-safe path-addressable tree. Subscribers are called
// synchronously after each write, outside the store lock.
type Store struct {
	mu     sync.RWMutex
	root   any
	subs   map[uint64]subscription
	nextID uint64
}

// New creates an empty store.
func New() *Store {
	return &Store{subs: make(map[uint64]subscription)}
}

// Get returns a copy of the value at path, or nil.
func (s *Store) Get(_ context.Context, path string) (any, error) {
	if err := docpath.Validate(path); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docpath.Clone(docpath.Lookup(s.root, docpath.Split(path))), nil
}

// Set replaces the value at path. Setting nil deletes.
func (s *Store) Set(_ context.Context, path string, value any) error {
	if err := docpath.Validate(path); err != nil {
		return err
	}
	v, err := docpath.Normalize(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.root = docpath.Put(s.root, docpath.Split(path), v)
	s.mu.Unlock()

	s.notify(path)
	return nil
}

// Update writes every field below path in one step.
func (s *Store) Update(_ context.Context, path string, fields map[string]any) error {
	if err := docpath.Validate(path); err != nil {
		return err
	}
	values := make(map[string]any, len(fields))
	for k, raw := range fields {
		full := docpath.Join(path, k)
		if err := docpath.Validate(full); err != nil {
			return err
		}
		v, err := docpath.Normalize(raw)
		if err != nil {
			return err
		}
		values[full] = v
	}

	s.mu.Lock()
	for full, v := range values {
		s.root = docpath.Put(s.root, docpath.Split(full), v)
	}
	s.mu.Unlock()

	s.notify(path)
	return nil
}

// Delete removes path and its children.
func (s *Store) Delete(_ context.Context, path string) error {
	if err := docpath.Validate(path); err != nil {
		return err
	}
	s.mu.Lock()
	s.root = docpath.Put(s.root, docpath.Split(path), nil)
	s.mu.Unlock()

	s.notify(path)
	return nil
}

// Subscribe calls fn with the current value at path now and after every
// write that touches it.
func (s *Store) Subscribe(ctx context.Context, path string, fn func(any)) (func(), error) {
	if err := docpath.Validate(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = subscription{path: path, fn: fn}
	current := docpath.Clone(docpath.Lookup(s.root, docpath.Split(path)))
	s.mu.Unlock()

	fn(current)

	var once sync.Once
	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
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

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// notify delivers the current value to every subscriber whose path is
// related to changed. Subscribers may write to the store.
func (s *Store) notify(changed string) {
	s.mu.RLock()
	var targets []subscription
	for _, sub := range s.subs {
		if docpath.Related(sub.path, changed) {
			targets = append(targets, sub)
		}
	}
	values := make([]any, len(targets))
	for i, sub := range targets {
		values[i] = docpath.Clone(docpath.Lookup(s.root, docpath.Split(sub.path)))
	}
	s.mu.RUnlock()

	for i, sub := range targets {
		sub.fn(values[i])
	}
}
