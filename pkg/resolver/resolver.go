// Package resolver caches service-name to endpoint-URL lookups against
// a list of naming servers, retrying with exponential backoff on failure.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const maxBackoff = 300 * time.Second

// HTTPDoer is satisfied by *http.Client and by retryablehttp's
// StandardClient(), letting callers swap in their own transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver resolves a service name to a base URL by polling a list of
// naming servers, round-robining across them on each retry. Resolved
// locations are cached until Invalidate is called; there is no
// per-entry expiry.
type Resolver struct {
	bases         []string
	startInterval time.Duration
	client        HTTPDoer
	logger        *zap.Logger

	mu    sync.RWMutex
	cache map[string]string

	flightMu sync.Mutex
	inflight map[string]*flight

	next uint32 // round-robin cursor into bases, protected by flightMu
}

// flight is the in-progress fetch for one service name. Callers that miss
// the cache while a fetch for the same name is already underway wait on
// done instead of starting a second round-robin loop.
type flight struct {
	done chan struct{}
	loc  string
	err  error
}

// New builds a Resolver over the given naming-server base URLs. startInterval
// is the initial backoff delay used after the first failed attempt; it
// doubles on each subsequent failure up to a 300s cap.
func New(bases []string, startInterval time.Duration, client HTTPDoer, logger *zap.Logger) *Resolver {
	if len(bases) == 0 {
		panic("resolver: at least one naming-server base URL is required")
	}
	if startInterval <= 0 {
		startInterval = time.Second
	}
	return &Resolver{
		bases:         bases,
		startInterval: startInterval,
		client:        client,
		logger:        logger,
		cache:         make(map[string]string),
		inflight:      make(map[string]*flight),
		next:          uint32(rand.Intn(len(bases))),
	}
}

// Resolve returns the cached URL for serviceName, fetching it from the
// naming servers on a cache miss. It blocks until a naming server answers
// successfully or ctx is cancelled; there is no bounded number of retries.
//
// Only the cache map and the inflight-fetch bookkeeping are ever held
// under a lock; the round-robin retry loop itself (fetch) always runs
// unlocked, so a slow resolution of one service name never blocks
// Resolve or Invalidate calls for any other name, or a concurrent
// Invalidate call.
func (r *Resolver) Resolve(ctx context.Context, serviceName string) (string, error) {
	if loc, ok := r.cachedLocation(serviceName); ok {
		return loc, nil
	}

	r.flightMu.Lock()
	if f, ok := r.inflight[serviceName]; ok {
		r.flightMu.Unlock()
		select {
		case <-f.done:
			return f.loc, f.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	r.inflight[serviceName] = f
	r.flightMu.Unlock()

	loc, err := r.fetch(ctx, serviceName)

	f.loc, f.err = loc, err
	close(f.done)

	r.flightMu.Lock()
	delete(r.inflight, serviceName)
	r.flightMu.Unlock()

	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[serviceName] = loc
	r.mu.Unlock()

	return loc, nil
}

func (r *Resolver) cachedLocation(serviceName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.cache[serviceName]
	return loc, ok
}

// Invalidate clears the entire cache. Coarse by design: the agent has no
// way to know which entry went stale, so on any reporter or callback
// failure it drops everything and re-resolves on next use.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]string)
}

// fetch performs the round-robin GET loop with exponential backoff. It
// takes no Resolver-wide lock: the only shared state it touches is the
// round-robin cursor, guarded by its own short-lived flightMu critical
// sections.
func (r *Resolver) fetch(ctx context.Context, serviceName string) (string, error) {
	interval := r.startInterval
	selected := r.nextBase()

	for {
		uri := strings.TrimRight(r.bases[selected], "/") + "/" + serviceName

		loc, err := r.requestOnce(ctx, uri)
		if err == nil {
			return loc, nil
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		r.logger.Warn("resolve failed, backing off",
			zap.String("service", serviceName),
			zap.String("uri", uri),
			zap.Duration("interval", interval),
			zap.Error(err))

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return "", ctx.Err()
		}

		interval *= 2
		if interval > maxBackoff {
			interval = maxBackoff
		}
		selected = r.nextBase()
	}
}

// nextBase advances and returns the round-robin cursor into r.bases.
func (r *Resolver) nextBase() int {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	selected := int(r.next) % len(r.bases)
	r.next++
	return selected
}

func (r *Resolver) requestOnce(ctx context.Context, uri string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", errors.Wrap(err, "build resolve request")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "resolve request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("resolve %s: status %d", uri, resp.StatusCode)
	}

	var location string
	if err := json.NewDecoder(resp.Body).Decode(&location); err != nil {
		return "", errors.Wrap(err, "decode resolve response")
	}

	return location, nil
}
