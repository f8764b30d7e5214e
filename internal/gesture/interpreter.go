package gesture

import (
	"context"
	"sync"
	"time"

	"flickfeed/internal/controller"
	"flickfeed/internal/playlist"
	"flickfeed/internal/reaction"

	"github.com/sirupsen/logrus"
)

// Thresholds match the production client's tuning.
const (
	scrollThreshold = 25.0
	swipeThreshold  = 45.0
	longPressDelay  = 250 * time.Millisecond
	doubleTapWindow = 300 * time.Millisecond
)

// Zone is the horizontal third of the player the pointer landed in.
type Zone int

const (
	ZoneLeft Zone = iota
	ZoneCenter
	ZoneRight
)

// Key identifies a keyboard input the interpreter understands.
type Key string

const (
	KeyArrowUp    Key = "ArrowUp"
	KeyArrowDown  Key = "ArrowDown"
	KeyArrowLeft  Key = "ArrowLeft"
	KeyArrowRight Key = "ArrowRight"
	KeySpace      Key = " "
)

// Interpreter translates low-level pointer/wheel/touch/keyboard events into
// navigation, reaction and playback intents. It keeps only the minimal
// tracking state gestures need: the touch origin, the last tap time and the
// pending long-press timer.
type Interpreter struct {
	controller *controller.Controller
	store      *playlist.Store
	dispatcher *reaction.Dispatcher
	notify     reaction.Notifier
	logger     *logrus.Logger
	ctx        context.Context

	mu          sync.Mutex
	touchX      float64
	touchY      float64
	touchActive bool
	lastTap     time.Time
	pressTimer  *time.Timer
}

// New creates an interpreter issuing intents into the given collaborators.
func New(ctx context.Context, ctrl *controller.Controller, store *playlist.Store, dispatcher *reaction.Dispatcher, notify reaction.Notifier, logger *logrus.Logger) *Interpreter {
	return &Interpreter{
		controller: ctrl,
		store:      store,
		dispatcher: dispatcher,
		notify:     notify,
		logger:     logger,
		ctx:        ctx,
	}
}

// Wheel maps scroll deltas: dominant vertical motion beyond the threshold
// navigates (scroll down advances), dominant horizontal motion reacts.
func (in *Interpreter) Wheel(dx, dy float64) {
	if abs(dy) > abs(dx) && abs(dy) > scrollThreshold {
		if dy < 0 {
			in.store.GoNext()
		} else {
			in.store.GoPrev()
		}
		return
	}
	if abs(dx) > scrollThreshold {
		if dx > 0 {
			in.Like()
		} else {
			in.Dislike()
		}
	}
}

// TouchStart records the origin of a swipe.
func (in *Interpreter) TouchStart(x, y float64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.touchX = x
	in.touchY = y
	in.touchActive = true
}

// TouchEnd resolves the swipe recorded by TouchStart. Horizontal swipes
// beyond the threshold react, vertical swipes navigate (upward motion
// advances).
func (in *Interpreter) TouchEnd(x, y float64) {
	in.mu.Lock()
	if !in.touchActive {
		in.mu.Unlock()
		return
	}
	dx := x - in.touchX
	dy := y - in.touchY
	in.touchActive = false
	in.mu.Unlock()

	if abs(dx) > abs(dy) && abs(dx) > swipeThreshold {
		if dx > 0 {
			in.Like()
		} else {
			in.Dislike()
		}
		return
	}
	if abs(dy) > swipeThreshold {
		if dy < 0 {
			in.store.GoNext()
		} else {
			in.store.GoPrev()
		}
	}
}

// Tap handles a released tap in a zone. A second center tap inside the
// double-tap window upgrades to a like with a heart pulse.
func (in *Interpreter) Tap(zone Zone) {
	if zone != ZoneCenter {
		return
	}

	in.mu.Lock()
	now := time.Now()
	isDouble := now.Sub(in.lastTap) <= doubleTapWindow
	in.lastTap = now
	in.mu.Unlock()

	if isDouble {
		in.Like()
		if in.notify != nil {
			in.notify(reaction.Notice{Title: "❤", Description: ""})
		}
		return
	}
	in.controller.TogglePlayPause()
}

// PressDown arms a long-press in the outer thirds: left rewinds, right goes
// fast. A press in the center zone cancels any pending press instead.
func (in *Interpreter) PressDown(zone Zone) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.pressTimer != nil {
		in.pressTimer.Stop()
		in.pressTimer = nil
	}

	var mode controller.PressMode
	switch zone {
	case ZoneLeft:
		mode = controller.PressRewind
	case ZoneRight:
		mode = controller.PressFast
	default:
		return
	}

	in.pressTimer = time.AfterFunc(longPressDelay, func() {
		in.controller.StartLongPress(mode)
	})
}

// PressUp releases a press: a not-yet-armed long-press is cancelled, an
// active one ends and restores the previously selected rate.
func (in *Interpreter) PressUp() {
	in.mu.Lock()
	if in.pressTimer != nil {
		in.pressTimer.Stop()
		in.pressTimer = nil
	}
	in.mu.Unlock()

	in.controller.EndLongPress()
}

// Key maps keyboard input. All bindings are suppressed while focus is inside
// a text input.
func (in *Interpreter) Key(key Key, inTextInput bool) {
	if inTextInput {
		return
	}
	switch key {
	case KeyArrowDown:
		in.store.GoNext()
	case KeyArrowUp:
		in.store.GoPrev()
	case KeyArrowRight:
		in.Like()
	case KeyArrowLeft:
		in.Dislike()
	case KeySpace:
		in.controller.TogglePlayPause()
	}
}

// Like reacts to the current entry without leaving it.
func (in *Interpreter) Like() {
	entry, ok := in.store.Snapshot().Current()
	if !ok {
		return
	}
	in.dispatcher.Like(in.ctx, entry.ID)
}

// Dislike reacts to the current entry and moves on to the next one.
func (in *Interpreter) Dislike() {
	entry, ok := in.store.Snapshot().Current()
	if !ok {
		return
	}
	in.dispatcher.Dislike(in.ctx, entry.ID)
	in.store.GoNext()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
