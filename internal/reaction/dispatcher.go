package reaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"flickfeed/internal/api"
	"flickfeed/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Notice is a transient toast-style notification request.
type Notice struct {
	Title       string
	Description string
}

// Notifier receives toast requests. A nil notifier drops them.
type Notifier func(Notice)

// ImpressionRecorder persists impression outcomes. Optional.
type ImpressionRecorder interface {
	RecordImpression(entryID string, watchedSeconds float64, completed bool) error
}

// Dispatcher sends like/dislike/impression/not-playable signals for entries
// to the remote endpoint. All sends are fire-and-forget relative to playback:
// they run in their own goroutines and never block navigation. Impressions
// and not-playable reports are deduplicated per entry id.
type Dispatcher struct {
	client    *api.Client
	logger    *logrus.Logger
	notify    Notifier
	recorder  ImpressionRecorder
	sessionID string

	mutex     sync.Mutex
	reported  map[string]bool // entry ids with a not-playable report sent
	impressed map[string]bool // entry ids with an impression sent

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a fresh session identity.
func NewDispatcher(client *api.Client, notify Notifier, recorder ImpressionRecorder, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		client:    client,
		logger:    logger,
		notify:    notify,
		recorder:  recorder,
		sessionID: uuid.New().String(),
		reported:  make(map[string]bool),
		impressed: make(map[string]bool),
	}
}

// SessionID returns the identity stamped on not-playable reports.
func (d *Dispatcher) SessionID() string {
	return d.sessionID
}

// Like sends a like for the entry and raises a confirmation toast.
func (d *Dispatcher) Like(ctx context.Context, id string) {
	d.async(func() {
		if _, err := d.client.Like(ctx, id); err != nil {
			d.logger.WithError(err).WithField("id", id).Warn("Like failed")
			d.toast(Notice{Title: "Error", Description: "Failed to like video"})
			return
		}
		d.toast(Notice{Title: "Liked", Description: "Like this video"})
	})
}

// Dislike sends a dislike for the entry and raises a confirmation toast.
func (d *Dispatcher) Dislike(ctx context.Context, id string) {
	d.async(func() {
		if _, err := d.client.Dislike(ctx, id); err != nil {
			d.logger.WithError(err).WithField("id", id).Warn("Dislike failed")
			d.toast(Notice{Title: "Error", Description: "Failed to process dislike"})
			return
		}
		d.toast(Notice{Title: "Disliked", Description: "Dislike this video"})
	})
}

// SendImpression reports watched seconds and completion for an entry, at most
// once per entry id across natural end, navigation-away and teardown.
func (d *Dispatcher) SendImpression(ctx context.Context, id string, watchedSeconds float64, completed bool) {
	d.mutex.Lock()
	if d.impressed[id] {
		d.mutex.Unlock()
		return
	}
	d.impressed[id] = true
	d.mutex.Unlock()

	if d.recorder != nil {
		if err := d.recorder.RecordImpression(id, watchedSeconds, completed); err != nil {
			d.logger.WithError(err).WithField("id", id).Warn("Failed to persist impression")
		}
	}

	report := models.ImpressionReport{WatchedSeconds: watchedSeconds, Completed: completed}
	d.async(func() {
		err := d.client.SendImpression(ctx, id, report)
		switch {
		case err == nil:
		case errors.Is(err, api.ErrEntryVanished):
			// Entry disappeared upstream: nothing to alarm the viewer about.
			d.logger.WithField("id", id).Debug("Impression skipped, entry vanished")
		default:
			d.logger.WithError(err).WithField("id", id).Warn("Impression failed")
		}
	})
}

// ReportNotPlayable reports an unplayable entry, once per entry id. A
// duplicate outcome from upstream (409) counts as already recorded and gets
// its own toast text, distinct from the first-report confirmation.
func (d *Dispatcher) ReportNotPlayable(ctx context.Context, id, reason string) {
	d.mutex.Lock()
	if d.reported[id] {
		d.mutex.Unlock()
		return
	}
	d.reported[id] = true
	d.mutex.Unlock()

	report := models.NotPlayableReport{
		Reason:    reason,
		Timestamp: time.Now().UTC(),
		SessionID: d.sessionID,
	}
	d.async(func() {
		err := d.client.ReportNotPlayable(ctx, id, report)
		switch {
		case err == nil:
			d.toast(Notice{Title: "Video reported", Description: "Playback problem recorded"})
		case errors.Is(err, api.ErrDuplicateReport):
			d.toast(Notice{Title: "Already reported", Description: "This video was reported before"})
		case errors.Is(err, api.ErrEntryVanished):
			d.logger.WithField("id", id).Debug("Not-playable report skipped, entry vanished")
		default:
			d.logger.WithError(err).WithField("id", id).Warn("Not-playable report failed")
			d.toast(Notice{Title: "Error", Description: "Failed to report video"})
		}
	})
}

// Wait blocks until all in-flight sends finished. Used on teardown and in
// tests so fire-and-forget work is not cut off mid-request.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) async(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Dispatcher) toast(n Notice) {
	if d.notify != nil {
		d.notify(n)
	}
}
