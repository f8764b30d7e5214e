package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the lifecycle state of a media element.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateErrored
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SignalKind identifies a discrete media backend signal.
type SignalKind int

const (
	// SignalMetadata fires when the source responded and size/duration are known.
	SignalMetadata SignalKind = iota
	// SignalCanPlay fires when enough data is buffered to start or resume.
	SignalCanPlay
	// SignalProgress fires periodically while the fetch makes progress.
	SignalProgress
	// SignalStalled fires when the playback position caught up with the buffer.
	SignalStalled
	// SignalEnded fires when playback reached the end of a non-looping source.
	SignalEnded
	// SignalError fires on a fetch or playback failure.
	SignalError
)

// Signal is one discrete event emitted by an element.
type Signal struct {
	Kind SignalKind
	Err  error
}

// Handle is the contract between an owned media element and its consumers
// (playback controller, slot cache, preloader). Ownership is exclusive: only
// one owner may drive a handle at a time and transfer happens through the
// slot cache checkout/checkin API.
type Handle interface {
	URL() string
	Load(ctx context.Context)
	Signals() <-chan Signal

	Play()
	Pause()
	SeekTo(seconds float64)
	SetRate(rate float64)
	Rate() float64
	SetLooping(looping bool)

	Position() float64
	Duration() float64
	BufferedBytes() int64
	State() State

	Suspend()
	Resume()
	Usable() bool
	Close()
}

// Tunables control fetch and clock behavior. Tests shrink these to keep
// scenarios fast.
type Tunables struct {
	MinReadyBytes    int64         // buffered bytes before CanPlay fires
	AssumedByteRate  float64       // bytes/second used when duration is unknown
	ProgressInterval int64         // bytes between progress signals
	TickInterval     time.Duration // playback clock granularity
	ResumeMarginSec  float64       // buffered seconds ahead needed to leave a stall
}

// DefaultTunables returns production fetch/clock settings.
func DefaultTunables() Tunables {
	return Tunables{
		MinReadyBytes:    128 * 1024,
		AssumedByteRate:  256 * 1024,
		ProgressInterval: 128 * 1024,
		TickInterval:     100 * time.Millisecond,
		ResumeMarginSec:  1.0,
	}
}

// Element progressively fetches an opaque streamable URL, tracks how much of
// it is buffered, and runs a playback clock over the buffered region. Media
// bytes are counted, never stored. It implements Handle.
type Element struct {
	url      string
	token    string
	client   *http.Client
	logger   *logrus.Logger
	tunables Tunables

	signals chan Signal

	mu            sync.Mutex
	state         State
	duration      float64 // seconds; 0 until known
	metaDuration  float64 // duration hinted by playlist metadata
	position      float64
	rate          float64
	playing       bool
	looping       bool
	stalled       bool
	suspended     bool
	fetchDone     bool
	netFailed     bool
	buffered      int64
	total         int64
	canPlayFired  bool
	resumeGate    chan struct{} // closed while the fetch may proceed
	cancelFetch   context.CancelFunc
	closed        bool
	lastTick      time.Time
	progressMark  int64
}

// NewElement creates an idle element for the given resolved URL. durationHint
// comes from playlist metadata and may be zero when unknown.
func NewElement(url, token string, durationHint float64, client *http.Client, logger *logrus.Logger, tunables Tunables) *Element {
	gate := make(chan struct{})
	close(gate)
	return &Element{
		url:          url,
		token:        token,
		client:       client,
		logger:       logger,
		tunables:     tunables,
		signals:      make(chan Signal, 64),
		state:        StateIdle,
		metaDuration: durationHint,
		rate:         1.0,
		resumeGate:   gate,
	}
}

// URL returns the resolved source URL, the cache key for this element.
func (e *Element) URL() string { return e.url }

// Signals returns the element's signal stream.
func (e *Element) Signals() <-chan Signal { return e.signals }

// Load starts the background fetch and the playback clock. Calling Load on a
// non-idle element restarts the fetch from scratch (used by retry).
func (e *Element) Load(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.cancelFetch != nil {
		e.cancelFetch()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	e.cancelFetch = cancel
	e.state = StateLoading
	e.buffered = 0
	e.progressMark = 0
	e.fetchDone = false
	e.netFailed = false
	e.canPlayFired = false
	firstLoad := e.lastTick.IsZero()
	e.lastTick = time.Now()
	e.mu.Unlock()

	go e.fetch(fetchCtx)
	if firstLoad {
		go e.clock(ctx)
	}
}

// fetch streams the source, counting buffered bytes and emitting readiness
// signals. The body is discarded after counting.
func (e *Element) fetch(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		e.fail(fmt.Errorf("invalid media url: %w", err))
		return
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.fail(fmt.Errorf("media fetch failed: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.fail(fmt.Errorf("media fetch failed: status %d", resp.StatusCode))
		return
	}

	e.mu.Lock()
	e.total = resp.ContentLength
	e.duration = e.metaDuration
	if e.duration <= 0 && e.total > 0 {
		// No duration hint: approximate from size at a nominal byte rate.
		e.duration = float64(e.total) / e.tunables.AssumedByteRate
	}
	e.mu.Unlock()
	e.emit(Signal{Kind: SignalMetadata})

	buf := make([]byte, 32*1024)
	for {
		// Honor suspension before touching the network again.
		e.mu.Lock()
		gate := e.resumeGate
		e.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			e.addBuffered(int64(n))
		}
		if err == io.EOF {
			e.finishFetch()
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.fail(fmt.Errorf("media stream interrupted: %w", err))
			return
		}
	}
}

// addBuffered accounts freshly received bytes and raises readiness signals.
func (e *Element) addBuffered(n int64) {
	e.mu.Lock()
	e.buffered += n
	fireCanPlay := !e.canPlayFired && e.buffered >= e.tunables.MinReadyBytes
	fireProgress := e.buffered-e.progressMark >= e.tunables.ProgressInterval
	if fireProgress {
		e.progressMark = e.buffered
	}
	leftStall := e.stalled && e.bufferedSecondsLocked() >= e.position+e.tunables.ResumeMarginSec
	if fireCanPlay {
		e.canPlayFired = true
		if e.state == StateLoading {
			e.state = StateReady
		}
	}
	if leftStall {
		e.stalled = false
	}
	e.mu.Unlock()

	if fireCanPlay {
		e.emit(Signal{Kind: SignalCanPlay})
	} else if leftStall {
		e.emit(Signal{Kind: SignalCanPlay})
	} else if fireProgress {
		e.emit(Signal{Kind: SignalProgress})
	}
}

// finishFetch marks the transfer complete; whatever is buffered is all there is.
func (e *Element) finishFetch() {
	e.mu.Lock()
	e.fetchDone = true
	if e.total <= 0 {
		e.total = e.buffered
		if e.duration <= 0 {
			e.duration = float64(e.total) / e.tunables.AssumedByteRate
		}
	}
	fireCanPlay := !e.canPlayFired
	if fireCanPlay {
		e.canPlayFired = true
		if e.state == StateLoading {
			e.state = StateReady
		}
	}
	wasStalled := e.stalled
	e.stalled = false
	e.mu.Unlock()

	if fireCanPlay || wasStalled {
		e.emit(Signal{Kind: SignalCanPlay})
	}
}

// clock advances the playback position while playing and raises stall/ended
// signals. It runs until the element is closed.
func (e *Element) clock(ctx context.Context) {
	ticker := time.NewTicker(e.tunables.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if sig, ok := e.tick(now); ok {
				e.emit(sig)
			}
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
		}
	}
}

// tick performs one clock step, returning a signal to emit when a boundary
// was crossed.
func (e *Element) tick(now time.Time) (Signal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dt := now.Sub(e.lastTick).Seconds()
	e.lastTick = now

	if !e.playing || e.closed || e.netFailed {
		return Signal{}, false
	}
	if e.stalled {
		return Signal{}, false
	}

	e.position += dt * e.rate

	// Stall when the position reaches data that has not arrived yet.
	if !e.fetchDone && e.position >= e.bufferedSecondsLocked() {
		e.position = e.bufferedSecondsLocked()
		e.stalled = true
		return Signal{Kind: SignalStalled}, true
	}

	if e.duration > 0 && e.position >= e.duration {
		if e.looping {
			e.position = 0
			return Signal{}, false
		}
		e.position = e.duration
		e.playing = false
		e.state = StateReady
		return Signal{Kind: SignalEnded}, true
	}

	return Signal{}, false
}

// bufferedSecondsLocked maps buffered bytes to playable seconds. Caller holds mu.
func (e *Element) bufferedSecondsLocked() float64 {
	if e.fetchDone {
		return e.duration
	}
	if e.total > 0 && e.duration > 0 {
		return e.duration * float64(e.buffered) / float64(e.total)
	}
	return float64(e.buffered) / e.tunables.AssumedByteRate
}

// fail records a network failure and surfaces it as an error signal.
func (e *Element) fail(err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.netFailed = true
	e.playing = false
	e.state = StateErrored
	e.mu.Unlock()

	e.logger.WithError(err).WithField("url", e.url).Debug("Media element failed")
	e.emit(Signal{Kind: SignalError, Err: err})
}

// emit delivers a signal without ever blocking the fetch or clock goroutines.
func (e *Element) emit(sig Signal) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	select {
	case e.signals <- sig:
	default:
		e.logger.WithField("url", e.url).Debug("Dropping media signal, consumer is behind")
	}
}

// Play starts or resumes the playback clock.
func (e *Element) Play() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.netFailed {
		return
	}
	e.playing = true
	e.lastTick = time.Now()
	if e.state == StateReady || e.state == StatePaused {
		e.state = StatePlaying
	}
}

// Pause stops the playback clock, keeping the position.
func (e *Element) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = false
	if e.state == StatePlaying {
		e.state = StatePaused
	}
}

// SeekTo moves the position, clamped to [0, duration].
func (e *Element) SeekTo(seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seconds < 0 {
		seconds = 0
	}
	if e.duration > 0 && seconds > e.duration {
		seconds = e.duration
	}
	e.position = seconds
	// Seeking past the buffered region stalls until data catches up.
	if !e.fetchDone && e.position > e.bufferedSecondsLocked() {
		e.stalled = true
	}
}

// SetRate sets the playback rate multiplier.
func (e *Element) SetRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rate > 0 {
		e.rate = rate
	}
}

// Rate returns the current playback rate.
func (e *Element) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// SetLooping toggles silent rewind-at-end behavior.
func (e *Element) SetLooping(looping bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.looping = looping
}

// Position returns the current playback position in seconds.
func (e *Element) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

// Duration returns the known duration in seconds, 0 when not yet known.
func (e *Element) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

// BufferedBytes returns how many bytes have been received so far.
func (e *Element) BufferedBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffered
}

// State returns the element's current state.
func (e *Element) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Suspend pauses the underlying fetch so a cached element does not compete
// for bandwidth with the active one.
func (e *Element) Suspend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.suspended || e.closed {
		return
	}
	e.suspended = true
	e.resumeGate = make(chan struct{})
}

// Resume reopens a suspended fetch.
func (e *Element) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.suspended || e.closed {
		return
	}
	e.suspended = false
	close(e.resumeGate)
}

// Usable reports whether the element holds reusable state: buffered data, a
// positive known duration and a non-failed network channel.
func (e *Element) Usable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && !e.netFailed && e.buffered > 0 && e.duration > 0
}

// Close aborts the fetch and releases the element. It is idempotent.
func (e *Element) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.playing = false
	e.state = StateClosed
	if e.cancelFetch != nil {
		e.cancelFetch()
	}
	if e.suspended {
		e.suspended = false
		close(e.resumeGate)
	}
	e.mu.Unlock()
}
