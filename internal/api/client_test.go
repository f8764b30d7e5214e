package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"flickfeed/internal/config"
	"flickfeed/pkg/models"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testClient(baseURL string) *Client {
	cfg := config.DefaultConfig().API
	cfg.BaseURL = baseURL
	cfg.BearerToken = "test-token"
	return NewClient(cfg, testLogger())
}

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		template string
		id       string
		want     string
	}{
		{"/api/v1/videos/{id}/like", "abc", "/api/v1/videos/abc/like"},
		{"/api/v1/videos/{id}/impression", "a b", "/api/v1/videos/a%20b/impression"},
		{"/no/placeholder", "abc", "/no/placeholder"},
	}
	for _, tt := range tests {
		if got := ResolveEndpoint(tt.template, tt.id); got != tt.want {
			t.Errorf("ResolveEndpoint(%q, %q) = %q, want %q", tt.template, tt.id, got, tt.want)
		}
	}
}

func TestResolveURL(t *testing.T) {
	c := testClient("http://feed.example")

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"absolute passes through", "http://cdn.example/v.mp4", "http://cdn.example/v.mp4"},
		{"relative resolves against base", "/api/v1/videos/x/stream", "http://feed.example/api/v1/videos/x/stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ResolveURL(tt.raw)
			if err != nil {
				t.Fatalf("ResolveURL(%q) failed: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("ResolveURL(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestFetchPlaylist(t *testing.T) {
	next := "cursor-2"
	var gotCursor, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(models.PlaylistPage{
			Items:      []models.VideoEntry{{ID: "v1", URL: "/v1.mp4"}, {ID: "v2", URL: "/v2.mp4"}},
			NextCursor: &next,
		})
	}))
	defer server.Close()

	c := testClient(server.URL)

	cursor := "cursor-1"
	page, err := c.FetchPlaylist(context.Background(), &cursor)
	if err != nil {
		t.Fatalf("FetchPlaylist failed: %v", err)
	}

	if gotCursor != "cursor-1" {
		t.Errorf("Expected cursor query cursor-1, got %q", gotCursor)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Expected bearer credential, got %q", gotAuth)
	}
	if len(page.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(page.Items))
	}
	if page.NextCursor == nil || *page.NextCursor != "cursor-2" {
		t.Error("Expected the next cursor to round-trip")
	}
}

func TestFetchPlaylistServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken upstream", http.StatusBadGateway)
	}))
	defer server.Close()

	c := testClient(server.URL)
	if _, err := c.FetchPlaylist(context.Background(), nil); err == nil {
		t.Fatal("Expected an error for a 502 response")
	}
}

func TestReportNotPlayableStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"accepted", http.StatusOK, func(t *testing.T, err error) {
			if err != nil {
				t.Errorf("Expected success, got %v", err)
			}
		}},
		{"duplicate", http.StatusConflict, func(t *testing.T, err error) {
			if !errors.Is(err, ErrDuplicateReport) {
				t.Errorf("Expected ErrDuplicateReport, got %v", err)
			}
		}},
		{"vanished", http.StatusNotFound, func(t *testing.T, err error) {
			if !errors.Is(err, ErrEntryVanished) {
				t.Errorf("Expected ErrEntryVanished, got %v", err)
			}
		}},
		{"server failure", http.StatusInternalServerError, func(t *testing.T, err error) {
			if err == nil || errors.Is(err, ErrDuplicateReport) || errors.Is(err, ErrEntryVanished) {
				t.Errorf("Expected a plain error, got %v", err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := testClient(server.URL)
			err := c.ReportNotPlayable(context.Background(), "v1", models.NotPlayableReport{
				Reason:    "load failed",
				Timestamp: time.Now(),
				SessionID: "s1",
			})
			tt.check(t, err)
		})
	}
}

func TestSendImpressionVanished(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := testClient(server.URL)
	err := c.SendImpression(context.Background(), "gone", models.ImpressionReport{WatchedSeconds: 3})
	if !errors.Is(err, ErrEntryVanished) {
		t.Errorf("Expected ErrEntryVanished for a 404 impression, got %v", err)
	}
}

func TestLikeDecodesResult(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(models.ReactionResult{OK: true})
	}))
	defer server.Close()

	c := testClient(server.URL)
	result, err := c.Like(context.Background(), "v7")
	if err != nil {
		t.Fatalf("Like failed: %v", err)
	}
	if !result.OK {
		t.Error("Expected the reaction result to report ok")
	}
	if gotPath != "/api/v1/videos/v7/like" {
		t.Errorf("Expected the id substituted into the path, got %q", gotPath)
	}
}
