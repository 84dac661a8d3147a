package classifier

import (
	"strings"

	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/precise-goals/finvoice/internal/infra/observability"
	"github.com/precise-goals/finvoice/internal/port"
)

const cacheName = "classifier"

// Result is what the cached decorator stores, misses included.
type Result struct {
	Candidate domain.Candidate
	OK        bool
}

// Cached memoises classifications. Recognizers frequently re-emit the same
// final phrase, and typed retries repeat too.
type Cached struct {
	next    port.Classifier
	cache   port.Cache[Result]
	metrics *observability.Metrics
}

// NewCached wraps next with cache.
func NewCached(next port.Classifier, cache port.Cache[Result], metrics *observability.Metrics) *Cached {
	return &Cached{next: next, cache: cache, metrics: metrics}
}

// Classify implements port.Classifier.
func (c *Cached) Classify(text string, lang domain.Language) (domain.Candidate, bool) {
	key := string(lang) + "|" + strings.TrimSpace(text)
	if r, ok := c.cache.Get(key); ok {
		c.metrics.IncrCacheHit(cacheName)
		return r.Candidate, r.OK
	}
	c.metrics.IncrCacheMiss(cacheName)

	cand, ok := c.next.Classify(text, lang)
	c.cache.Set(key, Result{Candidate: cand, OK: ok})
	return cand, ok
}
