package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"flickfeed/internal/config"
	"flickfeed/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	mockPageSize  = 8
	mockPageCount = 5
	mockBlobSize  = 256 * 1024
)

var mockTitles = []string{
	"Portrait vibes",
	"City night ride",
	"Dance loop",
	"Coffee first",
	"Skate run",
	"Golden hour",
	"Street食 tour",
	"Rainy window",
}

// mockAPI implements the playlist/reaction endpoints the engine consumes,
// with deterministic paginated content and synthetic streamable bytes.
type mockAPI struct {
	cfg    *config.Config
	logger *logrus.Logger

	mutex    sync.Mutex
	reported map[string]bool // entry ids with a not-playable report recorded
	known    map[string]bool
	blobs    map[string][]byte
}

func newMockAPI(cfg *config.Config, logger *logrus.Logger) *mockAPI {
	m := &mockAPI{
		cfg:      cfg,
		logger:   logger,
		reported: make(map[string]bool),
		known:    make(map[string]bool),
		blobs:    make(map[string][]byte),
	}
	for page := 0; page < mockPageCount; page++ {
		for i := 0; i < mockPageSize; i++ {
			m.known[mockEntryID(page, i)] = true
		}
	}
	return m
}

func mockEntryID(page, i int) string {
	return fmt.Sprintf("demo-%d", page*mockPageSize+i+1)
}

// handlePlaylist serves one deterministic page per opaque cursor.
func (m *mockAPI) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	page := 0
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		parsed, err := decodeCursor(cursor)
		if err != nil {
			http.Error(w, "Invalid cursor", http.StatusBadRequest)
			return
		}
		page = parsed
	}
	if page < 0 || page >= mockPageCount {
		http.Error(w, "Invalid cursor", http.StatusBadRequest)
		return
	}

	items := make([]models.VideoEntry, 0, mockPageSize)
	for i := 0; i < mockPageSize; i++ {
		id := mockEntryID(page, i)
		width, height := 1080, 1920
		if i%3 == 1 {
			width, height = 1920, 1080
		}
		items = append(items, models.VideoEntry{
			ID:          id,
			URL:         "/api/v1/videos/" + id + "/stream",
			Title:       mockTitles[i%len(mockTitles)],
			Cover:       "/videos/" + id + ".jpg",
			Duration:    float64(4 + i%5),
			Orientation: models.OrientationFor(width, height),
		})
	}

	response := models.PlaylistPage{Items: items}
	if page+1 < mockPageCount {
		next := encodeCursor(page + 1)
		response.NextCursor = &next
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleVideo routes /api/v1/videos/{id}/{action}.
func (m *mockAPI) handleVideo(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(pathParts) < 5 {
		http.Error(w, "Invalid video path", http.StatusBadRequest)
		return
	}
	id, action := pathParts[3], pathParts[4]

	switch action {
	case "stream":
		m.handleStream(w, r, id)
	case "like", "dislike":
		m.handleReaction(w, r, id, action)
	case "impression":
		m.handleImpression(w, r, id)
	case "not-playable":
		m.handleNotPlayable(w, r, id)
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
	}
}

// handleStream serves deterministic synthetic bytes with Range support.
func (m *mockAPI) handleStream(w http.ResponseWriter, r *http.Request, id string) {
	if !m.exists(id) {
		http.Error(w, "Video not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, id+".mp4", time.Time{}, bytes.NewReader(m.blobFor(id)))
}

func (m *mockAPI) handleReaction(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !m.exists(id) {
		http.Error(w, "Video not found", http.StatusNotFound)
		return
	}

	m.logger.WithFields(logrus.Fields{"id": id, "action": action}).Debug("Reaction recorded")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.ReactionResult{OK: true})
}

func (m *mockAPI) handleImpression(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !m.exists(id) {
		http.Error(w, "Video not found", http.StatusNotFound)
		return
	}

	var report models.ImpressionReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "Invalid impression body", http.StatusBadRequest)
		return
	}

	m.logger.WithFields(logrus.Fields{
		"id":      id,
		"watched": report.WatchedSeconds,
	}).Debug("Impression recorded")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// handleNotPlayable records a report once per entry: the first report
// succeeds, repeats conflict, unknown entries are gone.
func (m *mockAPI) handleNotPlayable(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !m.exists(id) {
		http.Error(w, "Video not found", http.StatusNotFound)
		return
	}

	var report models.NotPlayableReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "Invalid report body", http.StatusBadRequest)
		return
	}

	m.mutex.Lock()
	duplicate := m.reported[id]
	m.reported[id] = true
	m.mutex.Unlock()

	if duplicate {
		http.Error(w, "Already reported", http.StatusConflict)
		return
	}

	m.logger.WithFields(logrus.Fields{
		"id":      id,
		"session": report.SessionID,
		"reason":  report.Reason,
	}).Info("Not-playable report recorded")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":   "recorded",
		"reportId": uuid.New().String(),
	})
}

func (m *mockAPI) exists(id string) bool {
	return m.known[id]
}

// blobFor lazily generates the synthetic media bytes for an entry. The
// pattern is seeded by the id so repeated fetches of an entry are identical.
func (m *mockAPI) blobFor(id string) []byte {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if blob, ok := m.blobs[id]; ok {
		return blob
	}

	seed := byte(0)
	for _, c := range id {
		seed += byte(c)
	}
	blob := make([]byte, mockBlobSize)
	for i := range blob {
		blob[i] = seed + byte(i%251)
	}
	m.blobs[id] = blob
	return blob
}

func encodeCursor(page int) string {
	return base64.URLEncoding.EncodeToString([]byte("page:" + strconv.Itoa(page)))
}

func decodeCursor(cursor string) (int, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	value, ok := strings.CutPrefix(string(raw), "page:")
	if !ok {
		return 0, fmt.Errorf("malformed cursor")
	}
	return strconv.Atoi(value)
}
