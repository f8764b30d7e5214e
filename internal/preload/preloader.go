package preload

import (
	"context"
	"sync"

	"flickfeed/internal/media"
	"flickfeed/internal/slotcache"
	"flickfeed/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentFetches bounds how many preload transfers run at once so
// warming never starves the active element's bandwidth.
const maxConcurrentFetches = 2

// Resolver turns a playlist entry URL into an absolute locator.
type Resolver func(raw string) (string, error)

// Preloader keeps entries adjacent to the current position warm in the slot
// cache. Reconcile recomputes the desired set on every position or budget
// change; work outside the desired set is cancelled and its partial resources
// released.
type Preloader struct {
	cache    *slotcache.Cache
	create   media.Creator
	resolve  Resolver
	logger   *logrus.Logger
	sem      *semaphore.Weighted

	mutex    sync.Mutex
	inflight map[string]context.CancelFunc // resolved URL -> cancel
	desired  map[string]bool               // resolved URLs of the current desired set
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a preloader feeding the given cache.
func New(cache *slotcache.Cache, create media.Creator, resolve Resolver, logger *logrus.Logger) *Preloader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Preloader{
		cache:    cache,
		create:   create,
		resolve:  resolve,
		logger:   logger,
		sem:      semaphore.NewWeighted(maxConcurrentFetches),
		inflight: make(map[string]context.CancelFunc),
		desired:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Reconcile recomputes the desired preload set: the entry immediately before
// currentIndex plus up to budget entries after it, closest first. A budget of
// 0 disables preloading entirely.
func (p *Preloader) Reconcile(entries []models.VideoEntry, currentIndex, budget int) {
	desired := desiredEntries(entries, currentIndex, budget)

	resolved := make([]string, 0, len(desired))
	durations := make(map[string]float64, len(desired))
	for _, entry := range desired {
		u, err := p.resolve(entry.URL)
		if err != nil {
			p.logger.WithError(err).WithField("id", entry.ID).Debug("Skipping unpreloadable entry")
			continue
		}
		resolved = append(resolved, u)
		durations[u] = entry.Duration
	}

	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return
	}

	p.desired = make(map[string]bool, len(resolved))
	for _, u := range resolved {
		p.desired[u] = true
	}

	// Cancel in-flight work that fell out of the desired set.
	for u, cancel := range p.inflight {
		if !p.desired[u] {
			cancel()
			delete(p.inflight, u)
		}
	}

	// Schedule anything desired that is neither cached nor in flight.
	var scheduled []string
	for _, u := range resolved {
		if _, busy := p.inflight[u]; busy {
			continue
		}
		if p.cache.Contains(u) {
			continue
		}
		fetchCtx, cancel := context.WithCancel(p.ctx)
		p.inflight[u] = cancel
		scheduled = append(scheduled, u)
		p.wg.Add(1)
		go p.warm(fetchCtx, u, durations[u])
	}
	p.mutex.Unlock()

	if len(scheduled) > 0 {
		p.logger.WithFields(logrus.Fields{
			"scheduled": len(scheduled),
			"budget":    budget,
		}).Debug("Preload reconciled")
	}
}

// desiredEntries computes the preload set in proximity order: previous entry
// first for fast backward navigation, then the next budget entries.
func desiredEntries(entries []models.VideoEntry, currentIndex, budget int) []models.VideoEntry {
	if budget <= 0 || len(entries) == 0 {
		return nil
	}

	var out []models.VideoEntry
	if currentIndex-1 >= 0 && currentIndex-1 < len(entries) {
		out = append(out, entries[currentIndex-1])
	}
	for i := currentIndex + 1; i <= currentIndex+budget && i < len(entries); i++ {
		out = append(out, entries[i])
	}
	return out
}

// warm fetches one URL until it is playable, then registers it in the cache.
// Failures are silent: they will surface as normal load failures if the entry
// ever becomes current.
func (p *Preloader) warm(ctx context.Context, url string, durationHint float64) {
	defer p.wg.Done()
	defer p.finish(url)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	handle := p.create(url, durationHint)
	handle.Load(ctx)

	for {
		select {
		case <-ctx.Done():
			handle.Close()
			return
		case sig, ok := <-handle.Signals():
			if !ok {
				handle.Close()
				return
			}
			switch sig.Kind {
			case media.SignalCanPlay:
				handle.Suspend()
				if p.stillDesired(url) {
					p.cache.Insert(url, handle)
				} else {
					handle.Close()
				}
				return
			case media.SignalError:
				p.logger.WithError(sig.Err).WithField("url", url).Debug("Preload failed")
				handle.Close()
				return
			}
		}
	}
}

// stillDesired reports whether a URL survived the most recent reconciliation.
func (p *Preloader) stillDesired(url string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.desired[url] && !p.closed
}

// finish clears in-flight bookkeeping for a URL.
func (p *Preloader) finish(url string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if cancel, ok := p.inflight[url]; ok {
		cancel()
		delete(p.inflight, url)
	}
}

// InflightCount returns how many preload fetches are currently tracked.
func (p *Preloader) InflightCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.inflight)
}

// Close cancels all in-flight preloads and waits for their goroutines.
func (p *Preloader) Close() {
	p.mutex.Lock()
	p.closed = true
	p.desired = make(map[string]bool)
	p.mutex.Unlock()

	p.cancel()
	p.wg.Wait()
}
