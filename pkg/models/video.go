package models

import "time"

// Orientation describes how a video should be framed.
type Orientation string

const (
	OrientationPortrait  Orientation = "portrait"
	OrientationLandscape Orientation = "landscape"
)

// OrientationFor derives an orientation from media dimensions. Width equal to
// height counts as landscape, matching the player's rendering rule.
func OrientationFor(width, height int) Orientation {
	if width >= height {
		return OrientationLandscape
	}
	return OrientationPortrait
}

// VideoEntry represents one playable unit in the playlist. The id is stable
// across repeated fetches of the same conceptual entry and is used as the
// cache and report key.
type VideoEntry struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Title       string      `json:"title,omitempty"`
	Cover       string      `json:"cover,omitempty"`
	Duration    float64     `json:"duration,omitempty"` // in seconds
	Orientation Orientation `json:"orientation,omitempty"`
}

// PlaylistPage is one page of the paginated remote playlist. A nil NextCursor
// means the page source is exhausted.
type PlaylistPage struct {
	Items      []VideoEntry `json:"items"`
	NextCursor *string      `json:"nextCursor"`
}

// ReactionResult is the response body of a like/dislike call.
type ReactionResult struct {
	OK    bool        `json:"ok"`
	Video *VideoEntry `json:"video,omitempty"`
}

// ImpressionReport captures how much of an entry was watched and whether it
// played to completion. Sent at most once per entry id.
type ImpressionReport struct {
	WatchedSeconds float64 `json:"watchedSeconds"`
	Completed      bool    `json:"completed"`
}

// NotPlayableReport is the client-side error report for an entry that failed
// to load after the retry budget was exhausted.
type NotPlayableReport struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId"`
}
