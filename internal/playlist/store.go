package playlist

import (
	"context"
	"sync"

	"flickfeed/internal/api"
	"flickfeed/pkg/models"

	"github.com/sirupsen/logrus"
)

// prefetchDistance is how close to the tail the current index may get before
// the next page is fetched in the background.
const prefetchDistance = 2

// LoadingState describes what kind of remote fetch, if any, is in progress.
type LoadingState int

const (
	LoadingIdle LoadingState = iota
	LoadingBootstrap
	LoadingMore
)

// Snapshot is a consistent copy of the store's observable state.
type Snapshot struct {
	Entries      []models.VideoEntry
	CurrentIndex int
	Cursor       *string
	Loading      LoadingState
	LastError    string
}

// Current returns the entry at the current index, or false when the list is
// empty or the index is transiently beyond the settled data.
func (s Snapshot) Current() (models.VideoEntry, bool) {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Entries) {
		return models.VideoEntry{}, false
	}
	return s.Entries[s.CurrentIndex], true
}

// Store maintains the ordered paginated playlist view and mediates all remote
// pagination. Navigation never blocks on the network: an advance past the
// settled tail is recorded and re-applied once the awaited page lands.
type Store struct {
	client *api.Client
	logger *logrus.Logger

	mutex          sync.Mutex
	entries        []models.VideoEntry
	cursor         *string
	bootstrapped   bool
	currentIndex   int
	loading        LoadingState
	loadingMore    bool
	fetchingFresh  bool
	pendingAdvance bool
	pendingRefresh bool
	freshPage      *models.PlaylistPage
	lastError      string

	updates chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewStore creates a playlist store backed by the given API client.
func NewStore(client *api.Client, logger *logrus.Logger) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		client:  client,
		logger:  logger,
		updates: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Updates returns a coalesced change-notification channel. Receivers should
// call Snapshot after each notification.
func (s *Store) Updates() <-chan struct{} {
	return s.updates
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries := make([]models.VideoEntry, len(s.entries))
	copy(entries, s.entries)
	return Snapshot{
		Entries:      entries,
		CurrentIndex: s.currentIndex,
		Cursor:       s.cursor,
		Loading:      s.loading,
		LastError:    s.lastError,
	}
}

// Bootstrap fetches the first playlist page, replacing all prior state on
// success. On failure the prior state is left untouched and only the error
// message is updated.
func (s *Store) Bootstrap(ctx context.Context) error {
	s.mutex.Lock()
	s.loading = LoadingBootstrap
	s.lastError = ""
	s.mutex.Unlock()
	s.notify()

	page, err := s.client.FetchPlaylist(ctx, nil)

	s.mutex.Lock()
	s.loading = LoadingIdle
	if err != nil {
		s.lastError = err.Error()
		s.mutex.Unlock()
		s.notify()
		return err
	}

	s.entries = append([]models.VideoEntry(nil), page.Items...)
	s.cursor = page.NextCursor
	s.bootstrapped = true
	s.currentIndex = 0
	s.pendingAdvance = false
	s.pendingRefresh = false
	s.freshPage = nil
	s.mutex.Unlock()

	s.logger.WithField("entries", len(page.Items)).Info("Playlist bootstrapped")
	s.notify()
	return nil
}

// LoadMore fetches the next page using the current cursor and appends the
// result. Concurrent calls coalesce: while one load-more is in flight every
// further call returns immediately.
func (s *Store) LoadMore(ctx context.Context) error {
	s.mutex.Lock()
	if s.loadingMore || s.cursor == nil || !s.bootstrapped {
		s.mutex.Unlock()
		return nil
	}
	s.loadingMore = true
	s.loading = LoadingMore
	cursor := s.cursor
	s.mutex.Unlock()
	s.notify()

	page, err := s.client.FetchPlaylist(ctx, cursor)

	s.mutex.Lock()
	s.loadingMore = false
	s.loading = LoadingIdle
	if err != nil {
		s.lastError = err.Error()
		s.mutex.Unlock()
		s.notify()
		return err
	}

	s.entries = append(s.entries, page.Items...)
	s.cursor = page.NextCursor
	s.lastError = ""

	// Apply a navigation intent that was waiting for this page. The held
	// position advances by exactly one step, never skipping past.
	if s.pendingAdvance && s.currentIndex+1 < len(s.entries) {
		s.currentIndex++
		s.pendingAdvance = false
	}
	total := len(s.entries)
	s.maybePrefetchLocked(s.currentIndex)
	s.mutex.Unlock()

	s.logger.WithFields(logrus.Fields{
		"appended": len(page.Items),
		"total":    total,
	}).Debug("Playlist page appended")
	s.notify()
	return nil
}

// GoNext advances the current index by one when another entry exists. Past
// the settled tail it records a pending advance and triggers the appropriate
// background fetch instead of skipping or blocking.
func (s *Store) GoNext() {
	s.mutex.Lock()

	next := s.currentIndex + 1
	if next < len(s.entries) {
		s.currentIndex = next
		s.maybePrefetchLocked(next)
		s.mutex.Unlock()
		s.notify()
		return
	}

	if !s.bootstrapped {
		s.mutex.Unlock()
		go s.Bootstrap(s.ctx) //nolint:errcheck // surfaced through lastError
		return
	}

	if s.cursor != nil {
		s.pendingAdvance = true
		s.mutex.Unlock()
		go s.LoadMore(s.ctx) //nolint:errcheck // surfaced through lastError
		return
	}

	// Exhausted: swap in the staged fresh page when one is ready, otherwise
	// fetch one now and catch up when it lands.
	if s.freshPage != nil {
		s.applyFreshLocked()
		s.mutex.Unlock()
		s.notify()
		return
	}
	s.pendingRefresh = true
	startFetch := !s.fetchingFresh
	if startFetch {
		s.fetchingFresh = true
	}
	s.mutex.Unlock()
	if startFetch {
		go s.fetchFresh()
	}
}

// GoPrev decrements the current index, floored at zero.
func (s *Store) GoPrev() {
	s.mutex.Lock()
	if s.currentIndex > 0 {
		s.currentIndex--
	}
	s.mutex.Unlock()
	s.notify()
}

// Close cancels all background fetches.
func (s *Store) Close() {
	s.cancel()
}

// maybePrefetchLocked starts a background fetch when the target index is
// within prefetchDistance of the tail. At most one background fetch runs at a
// time; duplicates coalesce. Caller holds the mutex.
func (s *Store) maybePrefetchLocked(target int) {
	if len(s.entries) == 0 {
		return
	}
	if len(s.entries)-1-target > prefetchDistance {
		return
	}

	if s.cursor != nil {
		if !s.loadingMore {
			go s.LoadMore(s.ctx) //nolint:errcheck // surfaced through lastError
		}
		return
	}

	// Exhausted: stage a fresh playlist so reaching the tail never stalls.
	if s.freshPage == nil && !s.fetchingFresh {
		s.fetchingFresh = true
		go s.fetchFresh()
	}
}

// fetchFresh retrieves a fresh first page for an exhausted playlist. The
// result is staged and only swapped in when the viewer actually crosses the
// tail, so the visible position is never yanked. Failures retry silently on
// the next reconciliation pass.
func (s *Store) fetchFresh() {
	page, err := s.client.FetchPlaylist(s.ctx, nil)

	s.mutex.Lock()
	s.fetchingFresh = false
	if err != nil {
		s.pendingRefresh = false
		s.mutex.Unlock()
		s.logger.WithError(err).Debug("Fresh playlist prefetch failed")
		return
	}

	s.freshPage = page
	applied := false
	if s.pendingRefresh {
		s.applyFreshLocked()
		applied = true
	}
	s.mutex.Unlock()

	if applied {
		s.notify()
	}
}

// applyFreshLocked replaces the exhausted list with the staged fresh page.
// Caller holds the mutex.
func (s *Store) applyFreshLocked() {
	page := s.freshPage
	s.freshPage = nil
	s.pendingRefresh = false
	s.entries = append([]models.VideoEntry(nil), page.Items...)
	s.cursor = page.NextCursor
	s.currentIndex = 0
	s.lastError = ""
	s.logger.WithField("entries", len(page.Items)).Info("Playlist refreshed past exhausted tail")
}

// notify delivers a coalesced change notification.
func (s *Store) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
