package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"flickfeed/internal/config"
	"flickfeed/pkg/models"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Ngrok.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	fs, err := NewFeedServer(cfg, testLogger())
	if err != nil {
		t.Fatalf("Failed to create feed server: %v", err)
	}

	server := httptest.NewServer(fs.Handler())
	t.Cleanup(server.Close)
	return server
}

func fetchPage(t *testing.T, url string) models.PlaylistPage {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("Playlist request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Playlist request returned %d", resp.StatusCode)
	}

	var page models.PlaylistPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("Failed to decode playlist page: %v", err)
	}
	return page
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestPlaylistPagination(t *testing.T) {
	server := newTestServer(t, nil)

	seen := make(map[string]bool)
	pages := 0
	cursor := ""
	for {
		url := server.URL + "/api/v1/playlist"
		if cursor != "" {
			url += "?cursor=" + cursor
		}
		page := fetchPage(t, url)
		pages++

		if len(page.Items) != mockPageSize {
			t.Fatalf("Expected %d items per page, got %d", mockPageSize, len(page.Items))
		}
		for _, item := range page.Items {
			if seen[item.ID] {
				t.Fatalf("Duplicate id across pages: %s", item.ID)
			}
			seen[item.ID] = true
			if item.URL == "" {
				t.Errorf("Entry %s has no stream url", item.ID)
			}
		}

		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
	}

	if pages != mockPageCount {
		t.Errorf("Expected %d pages, got %d", mockPageCount, pages)
	}
}

func TestPlaylistRejectsBadCursor(t *testing.T) {
	server := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/api/v1/playlist?cursor=garbage")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad cursor, got %d", resp.StatusCode)
	}
}

func TestNotPlayableConflictSemantics(t *testing.T) {
	server := newTestServer(t, nil)
	post := func(id string) int {
		body := strings.NewReader(`{"entryId":"` + id + `","sessionId":"s1","reason":"load failure"}`)
		resp, err := http.Post(server.URL+"/api/v1/videos/"+id+"/not-playable", "application/json", body)
		if err != nil {
			t.Fatalf("Report failed: %v", err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}

	if got := post("demo-1"); got != http.StatusOK {
		t.Errorf("Expected 200 for the first report, got %d", got)
	}
	if got := post("demo-1"); got != http.StatusConflict {
		t.Errorf("Expected 409 for a repeat report, got %d", got)
	}
	if got := post("no-such-id"); got != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown entry, got %d", got)
	}
}

func TestImpressionUnknownEntry(t *testing.T) {
	server := newTestServer(t, nil)

	resp, err := http.Post(server.URL+"/api/v1/videos/no-such-id/impression", "application/json", nil)
	if err != nil {
		t.Fatalf("Impression failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown entry, got %d", resp.StatusCode)
	}
}

func TestStreamSupportsRanges(t *testing.T) {
	server := newTestServer(t, nil)

	// Full fetch.
	resp, err := http.Get(server.URL + "/api/v1/videos/demo-1/stream")
	if err != nil {
		t.Fatalf("Stream request failed: %v", err)
	}
	full, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if len(full) != mockBlobSize {
		t.Fatalf("Expected %d bytes, got %d", mockBlobSize, len(full))
	}

	// Partial fetch.
	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/v1/videos/demo-1/stream", nil)
	req.Header.Set("Range", "bytes=100-199")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Range request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("Expected 206, got %d", resp.StatusCode)
	}
	partial, _ := io.ReadAll(resp.Body)
	if len(partial) != 100 {
		t.Fatalf("Expected 100 bytes, got %d", len(partial))
	}
	for i := range partial {
		if partial[i] != full[100+i] {
			t.Fatalf("Partial content diverges at offset %d", i)
		}
	}
}

func TestProxyForwardsRangeAndFiltersHeaders(t *testing.T) {
	var gotRange, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Set-Cookie", "secret=1")
		w.Header().Set("X-Internal", "do-not-leak")
		w.Write([]byte("media-bytes"))
	}))
	defer upstream.Close()

	server := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/stream?url="+upstream.URL+"&token=tok123", nil)
	req.Header.Set("Range", "bytes=0-10")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Proxy request failed: %v", err)
	}
	defer resp.Body.Close()

	if gotRange != "bytes=0-10" {
		t.Errorf("Expected the range header forwarded upstream, got %q", gotRange)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("Expected the token as a bearer credential upstream, got %q", gotAuth)
	}
	if got := resp.Header.Get("ETag"); got != `"abc123"` {
		t.Errorf("Expected the etag forwarded, got %q", got)
	}
	if resp.Header.Get("X-Internal") != "" {
		t.Error("Unlisted upstream headers must not be forwarded")
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Error("Upstream cookies must not be forwarded")
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "media-bytes" {
		t.Errorf("Unexpected proxied body: %q", body)
	}
}

func TestProxyRequiresURL(t *testing.T) {
	server := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/api/stream")
	if err != nil {
		t.Fatalf("Proxy request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 without a url parameter, got %d", resp.StatusCode)
	}
}

func TestProxyUpstreamFailure(t *testing.T) {
	server := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/api/stream?url=http://127.0.0.1:1/nothing")
	if err != nil {
		t.Fatalf("Proxy request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502 for an unreachable upstream, got %d", resp.StatusCode)
	}
}

func TestLocalMediaRangeServing(t *testing.T) {
	mediaDir := t.TempDir()
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := os.WriteFile(filepath.Join(mediaDir, "clip.mp4"), payload, 0644); err != nil {
		t.Fatalf("Failed to write test media: %v", err)
	}

	server := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.MediaDir = mediaDir
	})

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/videos/clip.mp4", nil)
	req.Header.Set("Range", "bytes=500-599")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Range request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("Expected 206, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 500-599/1000" {
		t.Errorf("Unexpected content range: %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 100 || body[0] != payload[500] {
		t.Errorf("Unexpected partial body, len=%d", len(body))
	}
}

func TestLocalMediaRejectsTraversal(t *testing.T) {
	server := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.MediaDir = t.TempDir()
	})

	resp, err := http.Get(server.URL + "/videos/..%2F..%2Fetc%2Fpasswd")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected traversal to be rejected, got %d", resp.StatusCode)
	}
}

func TestUnknownVideoActionIs404(t *testing.T) {
	server := newTestServer(t, nil)

	resp, err := http.Post(server.URL+"/api/v1/videos/demo-1/explode", "application/json", nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown action, got %d", resp.StatusCode)
	}
}
