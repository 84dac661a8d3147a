package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/precise-goals/finvoice/internal/infra/observability"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// seedTimeout bounds the shared seed of a sign-in. The seed outlives the
// request that started it, since other callers may be waiting on it.
const seedTimeout = 30 * time.Second

// Sessions keeps one pipeline per signed-in user. Nothing runs for a user
// that is signed out.
type Sessions struct {
	cfg     PipelineConfig
	deps    PipelineDeps
	metrics *observability.Metrics
	logger  *zap.Logger

	signIns singleflight.Group

	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// NewSessions creates an empty registry.
func NewSessions(cfg PipelineConfig, deps PipelineDeps, metrics *observability.Metrics, logger *zap.Logger) *Sessions {
	return &Sessions{
		cfg:       cfg,
		deps:      deps,
		metrics:   metrics,
		logger:    logger,
		pipelines: make(map[string]*Pipeline),
	}
}

// SignIn returns the user's pipeline, creating and seeding it on first use.
// Concurrent sign-ins of the same user share one seed.
func (s *Sessions) SignIn(ctx context.Context, userID string) (*Pipeline, error) {
	if p, ok := s.Get(userID); ok {
		return p, nil
	}

	v, err, _ := s.signIns.Do(userID, func() (any, error) {
		if p, ok := s.Get(userID); ok {
			return p, nil
		}

		seedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), seedTimeout)
		defer cancel()

		p := NewPipeline(userID, s.cfg, s.deps, s.metrics, s.logger)
		if err := p.Seed(seedCtx); err != nil {
			p.Close()
			return nil, err
		}

		s.mu.Lock()
		s.pipelines[userID] = p
		n := len(s.pipelines)
		s.mu.Unlock()

		s.metrics.SetActiveSessions(n)
		s.logger.Info("user signed in", zap.String("user_id", userID))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pipeline), nil
}

// Get returns the pipeline of a signed-in user.
func (s *Sessions) Get(userID string) (*Pipeline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[userID]
	return p, ok
}

// SignOut tears down the user's pipeline. Signing out twice is a no-op.
func (s *Sessions) SignOut(userID string) {
	s.mu.Lock()
	p, ok := s.pipelines[userID]
	delete(s.pipelines, userID)
	n := len(s.pipelines)
	s.mu.Unlock()

	if !ok {
		return
	}
	p.Close()
	s.metrics.SetActiveSessions(n)
	s.logger.Info("user signed out", zap.String("user_id", userID))
}

// Users lists signed-in user ids in sorted order.
func (s *Sessions) Users() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.pipelines))
	for id := range s.pipelines {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Close signs every user out, draining their pending writes.
func (s *Sessions) Close() {
	for _, id := range s.Users() {
		s.SignOut(id)
	}
}
