// Package searchcache memoizes search results by exact (query, maxResults).
// Entries never expire; operators drop them with Clear.
package searchcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Kocoro-lab/deep-research/internal/circuitbreaker"
	"github.com/Kocoro-lab/deep-research/internal/metrics"
	"github.com/Kocoro-lab/deep-research/internal/search"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// sharedSearchTimeout bounds a backend call made on behalf of every caller
// waiting on the same key.
const sharedSearchTimeout = 2 * time.Minute

// clearBatch is the SCAN page size used by RedisCache.Clear.
const clearBatch = 500

// Cache stores search results. A stored empty slice is a hit.
type Cache interface {
	Get(ctx context.Context, query string, maxResults int) ([]search.Result, bool)
	Set(ctx context.Context, query string, maxResults int, results []search.Result)
	Clear(ctx context.Context) error
}

// Key is the exact lookup signature. Case and whitespace are significant.
type Key struct {
	Query      string
	MaxResults int
}

// LocalCache is an unbounded in-process cache.
type LocalCache struct {
	mu sync.Mutex
	m  map[Key][]search.Result
}

func NewLocalCache() *LocalCache {
	return &LocalCache{m: make(map[Key][]search.Result)}
}

func (l *LocalCache) Get(_ context.Context, query string, maxResults int) ([]search.Result, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.m[Key{Query: query, MaxResults: maxResults}]
	if !ok {
		return nil, false
	}
	return clone(v), true
}

func (l *LocalCache) Set(_ context.Context, query string, maxResults int, results []search.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m[Key{Query: query, MaxResults: maxResults}] = clone(results)
}

func (l *LocalCache) Clear(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m = make(map[Key][]search.Result)
	return nil
}

// Len returns the number of cached keys.
func (l *LocalCache) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// RedisCache shares results between processes through circuit-breaker wrapped Redis.
type RedisCache struct {
	cli    *circuitbreaker.RedisWrapper
	prefix string
	logger *zap.Logger
}

func NewRedisCache(cli *circuitbreaker.RedisWrapper, prefix string, logger *zap.Logger) *RedisCache {
	if prefix == "" {
		prefix = "research:search:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{cli: cli, prefix: prefix, logger: logger}
}

func (r *RedisCache) Get(ctx context.Context, query string, maxResults int) ([]search.Result, bool) {
	b, err := r.cli.Get(ctx, MakeKey(r.prefix, query, maxResults)).Bytes()
	if err != nil {
		return nil, false
	}
	var out []search.Result
	if err := json.Unmarshal(b, &out); err != nil {
		r.logger.Warn("Discarding undecodable search cache entry", zap.String("query", query), zap.Error(err))
		return nil, false
	}
	if out == nil {
		out = []search.Result{}
	}
	return out, true
}

func (r *RedisCache) Set(ctx context.Context, query string, maxResults int, results []search.Result) {
	if results == nil {
		results = []search.Result{}
	}
	b, err := json.Marshal(results)
	if err != nil {
		return
	}
	if err := r.cli.Set(ctx, MakeKey(r.prefix, query, maxResults), b, 0).Err(); err != nil {
		r.logger.Warn("Search cache write failed", zap.String("query", query), zap.Error(err))
	}
}

// Clear walks the prefix with SCAN and deletes each page.
func (r *RedisCache) Clear(ctx context.Context) error {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.cli.Scan(ctx, cursor, r.prefix+"*", clearBatch).Result()
		if err != nil {
			return fmt.Errorf("scan search cache keys: %w", err)
		}
		if len(keys) > 0 {
			if err := r.cli.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete search cache keys: %w", err)
			}
			removed += len(keys)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	r.logger.Info("Search cache cleared", zap.Int("keys", removed))
	return nil
}

// MakeKey hashes the exact (query, maxResults) pair under prefix.
func MakeKey(prefix, query string, maxResults int) string {
	h := sha256.Sum256([]byte(strconv.Itoa(maxResults) + "|" + query))
	return prefix + hex.EncodeToString(h[:])
}

func clone(in []search.Result) []search.Result {
	out := make([]search.Result, len(in))
	copy(out, in)
	return out
}

// CachedSearcher consults the cache before the backend and stores every
// successful answer, including empty ones. Concurrent misses for the same
// key share one backend call. The shared call is detached from any single
// caller: a caller whose context ends stops waiting, the others keep theirs.
type CachedSearcher struct {
	backend search.Searcher
	cache   Cache
	label   string
	group   singleflight.Group
}

// NewCachedSearcher wraps backend. label names the cache in metrics.
func NewCachedSearcher(backend search.Searcher, cache Cache, label string) *CachedSearcher {
	return &CachedSearcher{backend: backend, cache: cache, label: label}
}

func (c *CachedSearcher) Search(ctx context.Context, query string, maxResults int) ([]search.Result, error) {
	if v, ok := c.cache.Get(ctx, query, maxResults); ok {
		metrics.SearchCacheHits.WithLabelValues(c.label).Inc()
		return v, nil
	}
	metrics.SearchCacheMisses.WithLabelValues(c.label).Inc()

	sfKey := strconv.Itoa(maxResults) + "\x00" + query
	ch := c.group.DoChan(sfKey, func() (interface{}, error) {
		// keeps the first caller's values (trace, session tag) but not its deadline
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedSearchTimeout)
		defer cancel()

		// another caller may have filled the entry while we waited
		if hit, ok := c.cache.Get(sctx, query, maxResults); ok {
			return hit, nil
		}
		res, err := c.backend.Search(sctx, query, maxResults)
		if err != nil {
			metrics.SearchRequests.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.SearchRequests.WithLabelValues("ok").Inc()
		if res == nil {
			res = []search.Result{}
		}
		c.cache.Set(sctx, query, maxResults, res)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return clone(r.Val.([]search.Result)), nil
	}
}

// Clear drops every cached entry.
func (c *CachedSearcher) Clear(ctx context.Context) error {
	return c.cache.Clear(ctx)
}
