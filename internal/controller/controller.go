package controller

import (
	"context"
	"sync"
	"time"

	"flickfeed/internal/media"
	"flickfeed/internal/playlist"
	"flickfeed/internal/preload"
	"flickfeed/internal/reaction"
	"flickfeed/internal/slotcache"
	"flickfeed/pkg/models"

	"github.com/sirupsen/logrus"
)

const (
	// visibilityThreshold is the visible fraction below which an
	// implicitly-playing session auto-pauses.
	visibilityThreshold = 0.6

	rewindStep     = 0.4
	rewindInterval = 200 * time.Millisecond
	fastRate       = 2.0
)

// PressMode selects the long-press behavior.
type PressMode string

const (
	PressRewind PressMode = "rewind"
	PressFast   PressMode = "fast"
)

// PositionMemory persists per-entry watch positions. Optional; the controller
// always keeps an in-memory layer on top.
type PositionMemory interface {
	SavePosition(entryID string, position float64) error
	Position(entryID string) (float64, bool)
}

// Options are the playback policies the controller applies. They can be
// replaced at runtime when the settings file changes.
type Options struct {
	Autoplay         bool
	AutoAdvance      bool
	Loop             bool
	MaxRetries       int
	PreloadBudget    int
	TransitionWindow time.Duration
	DebugOverlay     bool
}

// Snapshot is a consistent copy of the controller's observable session state,
// consumed by the debug overlay and by tests.
type Snapshot struct {
	EntryID          string
	Index            int
	State            media.State
	Position         float64
	Duration         float64
	Rate             float64
	IsBuffering      bool
	Orientation      models.Orientation
	RotationDegrees  int
	RetryCount       int
	RebufferCount    int
	FirstFrameMillis int64
	OutgoingEntryID  string
	Direction        int // +1 forward, -1 backward during a transition
	PressMode        PressMode
}

// Controller owns the active and outgoing media elements and drives the
// playback state machine: lifecycle signals, retry-on-error, buffering
// accounting, play/pause/seek/rate control and the slide transition between
// entries. Exactly one element is active at any instant; superseded elements
// transfer to the slot cache through explicit checkin.
type Controller struct {
	store      *playlist.Store
	cache      *slotcache.Cache
	preloader  *preload.Preloader
	dispatcher *reaction.Dispatcher
	create     media.Creator
	resolve    preload.Resolver
	notify     reaction.Notifier
	memory     PositionMemory
	logger     *logrus.Logger

	mu   sync.Mutex
	opts Options

	active      media.Handle
	activeURL   string
	activeEntry models.VideoEntry
	activeIndex int
	generation  int
	signalStop  chan struct{}
	hasActive   bool

	outgoing        media.Handle
	outgoingURL     string
	outgoingEntryID string
	direction       int
	transitionTimer *time.Timer

	selectedRate    float64
	pendingPlay     bool
	userPaused      bool
	autoPaused      bool
	isBuffering     bool
	rotation        int
	retryCount      int
	rebufferCount   int
	maxPosition     float64
	endedNaturally  bool
	loadStart       time.Time
	firstFrameDelay time.Duration

	pressMode  PressMode
	savedRate  float64
	rewindStop chan struct{}

	visibleFraction float64
	pageHidden      bool

	positions map[string]float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New wires a controller to its collaborators. Call Run to start reacting to
// playlist changes and Close to tear everything down.
func New(
	store *playlist.Store,
	cache *slotcache.Cache,
	preloader *preload.Preloader,
	dispatcher *reaction.Dispatcher,
	create media.Creator,
	resolve preload.Resolver,
	notify reaction.Notifier,
	memory PositionMemory,
	opts Options,
	logger *logrus.Logger,
) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:           store,
		cache:           cache,
		preloader:       preloader,
		dispatcher:      dispatcher,
		create:          create,
		resolve:         resolve,
		notify:          notify,
		memory:          memory,
		logger:          logger,
		opts:            opts,
		selectedRate:    1.0,
		savedRate:       1.0,
		visibleFraction: 1.0,
		positions:       make(map[string]float64),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Run consumes playlist store updates until ctx or the controller is closed.
func (c *Controller) Run(ctx context.Context) {
	c.Sync()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-c.store.Updates():
			c.Sync()
		}
	}
}

// Sync reconciles the controller against the store's current snapshot:
// switching the active element when the current entry changed and refreshing
// the preload set.
func (c *Controller) Sync() {
	snap := c.store.Snapshot()

	c.mu.Lock()
	budget := c.opts.PreloadBudget
	cur, ok := snap.Current()
	needSwitch := ok && (!c.hasActive || c.activeEntry.ID != cur.ID)
	c.mu.Unlock()

	if needSwitch {
		c.switchTo(cur, snap.CurrentIndex)
	}

	c.preloader.Reconcile(snap.Entries, snap.CurrentIndex, budget)
}

// switchTo releases the current element and activates one for entry.
func (c *Controller) switchTo(entry models.VideoEntry, index int) {
	resolved, err := c.resolve(entry.URL)
	if err != nil {
		c.logger.WithError(err).WithField("id", entry.ID).Error("Entry URL is not resolvable")
		c.toast(reaction.Notice{Title: "Not playable", Description: "Skipping to the next video"})
		c.dispatcher.ReportNotPlayable(c.ctx, entry.ID, "unresolvable url")
		c.store.GoNext()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	direction := 1
	if c.hasActive && index < c.activeIndex {
		direction = -1
	}

	// Release the departing element: final engagement accounting, position
	// memory, then retain it as the outgoing half of the slide transition.
	if c.hasActive {
		c.releaseActiveLocked()
		c.beginTransitionLocked(direction)
	}

	c.generation++
	gen := c.generation

	// The superseded consumer must let go of its element's signal channel
	// before that element can come back out of the cache, or a revisit
	// would leave two readers racing for the same signals.
	if c.signalStop != nil {
		close(c.signalStop)
	}
	stop := make(chan struct{})
	c.signalStop = stop

	handle, hit := c.cache.Checkout(resolved)
	if hit {
		handle.Resume()
	} else {
		handle = c.create(resolved, entry.Duration)
	}

	c.active = handle
	c.activeURL = resolved
	c.activeEntry = entry
	c.activeIndex = index
	c.hasActive = true
	c.direction = direction

	// Per-entry transient counters start fresh.
	c.retryCount = 0
	c.rebufferCount = 0
	c.maxPosition = 0
	c.endedNaturally = false
	c.isBuffering = false
	c.rotation = 0
	c.pendingPlay = c.opts.Autoplay
	c.userPaused = false
	c.autoPaused = false
	c.loadStart = time.Now()
	c.firstFrameDelay = 0

	// Auto-advance to the next entry takes priority over looping this one.
	handle.SetLooping(c.opts.Loop && !c.opts.AutoAdvance)
	handle.SetRate(c.selectedRate)

	c.wg.Add(1)
	go c.consumeSignals(handle, gen, stop)

	warm := hit && handle.Usable()
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"id":        entry.ID,
		"index":     index,
		"cache_hit": hit,
	}).Debug("Activated entry")

	if warm {
		// A warmed element already emitted its readiness signals to the
		// preloader; synthesize the transition.
		c.onReady(gen)
	} else {
		handle.Load(c.ctx)
	}
}

// releaseActiveLocked reports the departing entry's impression and remembers
// its position. Caller holds the mutex; the element itself is handed to the
// transition machinery, not closed here.
func (c *Controller) releaseActiveLocked() {
	pos := c.active.Position()
	if pos > c.maxPosition {
		c.maxPosition = pos
	}
	watched := c.maxPosition
	if d := c.active.Duration(); d > 0 && watched > d {
		watched = d
	}
	c.dispatcher.SendImpression(c.ctx, c.activeEntry.ID, watched, c.endedNaturally)

	c.rememberPositionLocked(c.activeEntry.ID, pos)
	c.active.Pause()
}

// rememberPositionLocked stores the resume position for an entry in both the
// in-memory layer and the persistent memory when available.
func (c *Controller) rememberPositionLocked(id string, pos float64) {
	c.positions[id] = pos
	if c.memory != nil {
		if err := c.memory.SavePosition(id, pos); err != nil {
			c.logger.WithError(err).WithField("id", id).Warn("Failed to persist watch position")
		}
	}
}

// beginTransitionLocked retains the superseded element as the outgoing half
// of the slide animation, releasing it to the cache when the window ends.
// Caller holds the mutex.
func (c *Controller) beginTransitionLocked(direction int) {
	// A still-running transition flushes early: only one outgoing element
	// exists at a time.
	if c.outgoing != nil {
		c.cache.Checkin(c.outgoingURL, c.outgoing)
		c.outgoing = nil
	}
	if c.transitionTimer != nil {
		c.transitionTimer.Stop()
	}

	c.outgoing = c.active
	c.outgoingURL = c.activeURL
	c.outgoingEntryID = c.activeEntry.ID
	c.direction = direction
	c.transitionTimer = time.AfterFunc(c.opts.TransitionWindow, c.endTransition)
}

// endTransition releases the outgoing element to the cache once the slide
// window elapsed.
func (c *Controller) endTransition() {
	c.mu.Lock()
	handle := c.outgoing
	url := c.outgoingURL
	c.outgoing = nil
	c.outgoingEntryID = ""
	c.mu.Unlock()

	if handle != nil {
		c.cache.Checkin(url, handle)
	}
}

// consumeSignals maps one element's signal stream onto state transitions.
// The stop channel is closed when the activation is superseded, releasing
// the signal channel for a later re-activation of the same element.
func (c *Controller) consumeSignals(handle media.Handle, gen int, stop <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-stop:
			return
		case sig := <-handle.Signals():
			if !c.isCurrent(gen) {
				return
			}
			switch sig.Kind {
			case media.SignalMetadata:
				c.onMetadata(gen)
			case media.SignalCanPlay:
				c.onReady(gen)
			case media.SignalStalled:
				c.onStalled(gen)
			case media.SignalEnded:
				c.onEnded(gen)
			case media.SignalError:
				c.onError(gen, sig.Err)
			}
		}
	}
}

func (c *Controller) isCurrent(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation && !c.closed
}

// onMetadata handles the Loading -> Ready precondition: duration and
// geometry are known.
func (c *Controller) onMetadata(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"id":       c.activeEntry.ID,
		"duration": c.active.Duration(),
	}).Debug("Media metadata available")
}

// onReady handles readiness: restore the remembered position, record
// first-frame latency and issue a pending play attempt.
func (c *Controller) onReady(gen int) {
	c.mu.Lock()
	if gen != c.generation || c.closed {
		c.mu.Unlock()
		return
	}

	if c.firstFrameDelay == 0 {
		c.firstFrameDelay = time.Since(c.loadStart)
		// Resume a partially-watched entry exactly once, at first readiness.
		if pos, ok := c.rememberedPositionLocked(c.activeEntry.ID); ok && pos > 0 {
			c.active.SeekTo(pos)
		}
	}

	c.isBuffering = false

	attempt := c.pendingPlay && !c.userPaused && c.visibleLocked()
	if attempt {
		c.active.Play()
		if c.active.State() == media.StatePlaying {
			c.pendingPlay = false
		}
	}
	c.mu.Unlock()
}

// rememberedPositionLocked consults the in-memory layer first, then the
// persistent memory. Caller holds the mutex.
func (c *Controller) rememberedPositionLocked(id string) (float64, bool) {
	if pos, ok := c.positions[id]; ok {
		return pos, true
	}
	if c.memory != nil {
		return c.memory.Position(id)
	}
	return 0, false
}

// onStalled overlays the Buffering sub-state and counts the rebuffer.
func (c *Controller) onStalled(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	if !c.isBuffering {
		c.isBuffering = true
		c.rebufferCount++
	}
	if pos := c.active.Position(); pos > c.maxPosition {
		c.maxPosition = pos
	}
}

// onEnded advances to the next entry when auto-advance is enabled, otherwise
// holds the final frame.
func (c *Controller) onEnded(gen int) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.endedNaturally = true
	if d := c.active.Duration(); d > c.maxPosition {
		c.maxPosition = d
	}
	advance := c.opts.AutoAdvance
	c.mu.Unlock()

	if advance {
		c.store.GoNext()
	}
}

// onError retries the same source transparently up to the retry budget, then
// escalates: one not-playable report, a toast, and an auto-skip.
func (c *Controller) onError(gen int, err error) {
	c.mu.Lock()
	if gen != c.generation || c.closed {
		c.mu.Unlock()
		return
	}

	c.retryCount++
	if c.retryCount <= c.opts.MaxRetries {
		retry := c.retryCount
		handle := c.active
		id := c.activeEntry.ID
		c.pendingPlay = c.pendingPlay || c.opts.Autoplay
		c.mu.Unlock()

		c.logger.WithError(err).WithFields(logrus.Fields{
			"id":    id,
			"retry": retry,
		}).Warn("Playback error, retrying")
		handle.Load(c.ctx)
		return
	}

	id := c.activeEntry.ID
	reason := "load failed after retries"
	if err != nil {
		reason = err.Error()
	}
	c.mu.Unlock()

	c.logger.WithError(err).WithField("id", id).Error("Entry not playable, skipping")
	c.dispatcher.ReportNotPlayable(c.ctx, id, reason)
	c.toast(reaction.Notice{Title: "Not playable", Description: "Skipping to the next video"})
	c.store.GoNext()
}

// TogglePlayPause flips between playing and paused. A pause issued here is a
// user pause and is never auto-resumed by visibility changes.
func (c *Controller) TogglePlayPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasActive {
		return
	}

	if c.active.State() == media.StatePlaying {
		c.active.Pause()
		c.userPaused = true
		c.autoPaused = false
		c.pendingPlay = false
		return
	}

	c.userPaused = false
	c.active.Play()
	if c.active.State() != media.StatePlaying {
		// Not ready yet: defer the attempt to the next readiness signal.
		c.pendingPlay = true
	}
}

// SeekTo moves the playback position, clamped to the known duration.
func (c *Controller) SeekTo(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasActive {
		return
	}
	c.active.SeekTo(seconds)
	if pos := c.active.Position(); pos > c.maxPosition {
		c.maxPosition = pos
	}
}

// SetPlaybackRate selects the persistent playback rate. While a fast
// long-press is held the new selection takes effect on release.
func (c *Controller) SetPlaybackRate(rate float64) {
	if rate <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectedRate = rate
	if c.pressMode == PressFast {
		c.savedRate = rate
		return
	}
	if c.hasActive {
		c.active.SetRate(rate)
	}
}

// StartLongPress enters a held playback mode: rewind repeatedly steps the
// position backward, fast pins a temporary 2x rate.
func (c *Controller) StartLongPress(mode PressMode) {
	c.mu.Lock()
	if !c.hasActive || c.pressMode != "" {
		c.mu.Unlock()
		return
	}
	c.pressMode = mode
	c.savedRate = c.selectedRate

	switch mode {
	case PressFast:
		c.active.SetRate(fastRate)
		c.active.Play()
		c.mu.Unlock()
	case PressRewind:
		stop := make(chan struct{})
		c.rewindStop = stop
		handle := c.active
		c.mu.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(rewindInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-c.ctx.Done():
					return
				case <-ticker.C:
					pos := handle.Position() - rewindStep
					if pos < 0 {
						pos = 0
					}
					handle.SeekTo(pos)
				}
			}
		}()
	default:
		c.pressMode = ""
		c.mu.Unlock()
	}
}

// EndLongPress leaves the held mode and restores the rate that was selected
// immediately before the press began.
func (c *Controller) EndLongPress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pressMode == "" {
		return
	}
	if c.rewindStop != nil {
		close(c.rewindStop)
		c.rewindStop = nil
	}
	c.pressMode = ""
	c.selectedRate = c.savedRate
	if c.hasActive {
		c.active.SetRate(c.savedRate)
	}
}

// Rotate cycles the cosmetic display rotation in 90 degree increments.
func (c *Controller) Rotate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotation = (c.rotation + 90) % 360
}

// SetVisibleFraction reports how much of the player container is visible.
func (c *Controller) SetVisibleFraction(fraction float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visibleFraction = fraction
	c.applyVisibilityLocked()
}

// SetPageHidden reports whether the hosting page is hidden.
func (c *Controller) SetPageHidden(hidden bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageHidden = hidden
	c.applyVisibilityLocked()
}

func (c *Controller) visibleLocked() bool {
	return c.visibleFraction >= visibilityThreshold && !c.pageHidden
}

// applyVisibilityLocked pauses an implicitly-playing session when the player
// leaves the visibility threshold and resumes only sessions it paused itself.
// Caller holds the mutex.
func (c *Controller) applyVisibilityLocked() {
	if !c.hasActive {
		return
	}
	if !c.visibleLocked() {
		if c.active.State() == media.StatePlaying && !c.userPaused {
			c.active.Pause()
			c.autoPaused = true
		}
		return
	}
	if c.autoPaused && !c.userPaused {
		c.autoPaused = false
		c.active.Play()
		if c.active.State() != media.StatePlaying {
			c.pendingPlay = true
		}
	}
}

// ApplyOptions replaces the playback policies at runtime (settings reload)
// and re-reconciles the preload set under the new budget.
func (c *Controller) ApplyOptions(opts Options) {
	c.mu.Lock()
	c.opts = opts
	if c.hasActive {
		c.active.SetLooping(opts.Loop && !opts.AutoAdvance)
	}
	c.mu.Unlock()
	c.Sync()
}

// Snapshot returns the session state for the debug overlay and tests.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Index:           c.activeIndex,
		RotationDegrees: c.rotation,
		RetryCount:      c.retryCount,
		RebufferCount:   c.rebufferCount,
		IsBuffering:     c.isBuffering,
		OutgoingEntryID: c.outgoingEntryID,
		Direction:       c.direction,
		PressMode:       c.pressMode,
		Orientation:     models.OrientationPortrait,
	}
	if c.firstFrameDelay > 0 {
		snap.FirstFrameMillis = c.firstFrameDelay.Milliseconds()
	}
	if c.activeEntry.Orientation != "" {
		snap.Orientation = c.activeEntry.Orientation
	}
	if c.hasActive {
		snap.EntryID = c.activeEntry.ID
		snap.State = c.active.State()
		snap.Position = c.active.Position()
		snap.Duration = c.active.Duration()
		snap.Rate = c.active.Rate()
	}
	return snap
}

// Close tears the controller down: a final impression for the current entry,
// position memory, all cached handles released and in-flight preloads
// aborted.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	if c.rewindStop != nil {
		close(c.rewindStop)
		c.rewindStop = nil
	}
	if c.signalStop != nil {
		close(c.signalStop)
		c.signalStop = nil
	}
	if c.transitionTimer != nil {
		c.transitionTimer.Stop()
	}
	if c.hasActive {
		c.releaseActiveLocked()
		c.active.Close()
		c.hasActive = false
	}
	if c.outgoing != nil {
		c.outgoing.Close()
		c.outgoing = nil
	}
	c.mu.Unlock()

	c.cancel()
	c.preloader.Close()
	c.cache.Close()
	c.wg.Wait()
	c.dispatcher.Wait()
}

func (c *Controller) toast(n reaction.Notice) {
	if c.notify != nil {
		c.notify(n)
	}
}
