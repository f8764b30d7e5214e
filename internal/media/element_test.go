package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testTunables() Tunables {
	return Tunables{
		MinReadyBytes:    16,
		AssumedByteRate:  1000,
		ProgressInterval: 16,
		TickInterval:     5 * time.Millisecond,
		ResumeMarginSec:  0.001,
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// waitSignal drains the stream until the wanted kind arrives or the deadline
// passes.
func waitSignal(t *testing.T, e *Element, kind SignalKind, timeout time.Duration) Signal {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case sig := <-e.Signals():
			if sig.Kind == kind {
				return sig
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for signal %d", kind)
			return Signal{}
		}
	}
}

func TestMetadataAndCanPlay(t *testing.T) {
	payload := make([]byte, 100)
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write(payload)
	}))
	defer server.Close()

	e := NewElement(server.URL, "secret", 2.5, server.Client(), testLogger(), testTunables())
	defer e.Close()
	e.Load(context.Background())

	waitSignal(t, e, SignalMetadata, 2*time.Second)
	waitSignal(t, e, SignalCanPlay, 2*time.Second)

	if gotAuth != "Bearer secret" {
		t.Errorf("Expected bearer credential on the fetch, got %q", gotAuth)
	}
	if d := e.Duration(); d != 2.5 {
		t.Errorf("Expected the metadata duration hint, got %v", d)
	}

	// The full body is eventually counted, never stored.
	deadline := time.Now().Add(2 * time.Second)
	for e.BufferedBytes() < 100 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 100 buffered bytes, got %d", e.BufferedBytes())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !e.Usable() {
		t.Error("Expected a fully fetched element to be usable")
	}
}

func TestDurationApproximatedFromSize(t *testing.T) {
	payload := make([]byte, 500)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	// No duration hint: 500 bytes at 1000 bytes/sec is half a second.
	e := NewElement(server.URL, "", 0, server.Client(), testLogger(), testTunables())
	defer e.Close()
	e.Load(context.Background())

	waitSignal(t, e, SignalCanPlay, 2*time.Second)
	if d := e.Duration(); d != 0.5 {
		t.Errorf("Expected approximated duration 0.5, got %v", d)
	}
}

func TestFetchFailureSignalsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	e := NewElement(server.URL, "", 1, server.Client(), testLogger(), testTunables())
	defer e.Close()
	e.Load(context.Background())

	sig := waitSignal(t, e, SignalError, 2*time.Second)
	if sig.Err == nil {
		t.Error("Expected the error signal to carry the failure")
	}
	if e.Usable() {
		t.Error("A failed element must not be usable")
	}
	if e.State() != StateErrored {
		t.Errorf("Expected errored state, got %s", e.State())
	}
}

func TestPlaybackReachesEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer server.Close()

	e := NewElement(server.URL, "", 0.05, server.Client(), testLogger(), testTunables())
	defer e.Close()
	e.Load(context.Background())

	waitSignal(t, e, SignalCanPlay, 2*time.Second)
	e.Play()
	waitSignal(t, e, SignalEnded, 2*time.Second)

	if pos := e.Position(); pos != e.Duration() {
		t.Errorf("Expected the position to hold at the duration, got %v", pos)
	}
	if e.State() != StateReady {
		t.Errorf("Expected ready state after a natural end, got %s", e.State())
	}
}

func TestLoopingSuppressesEnded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer server.Close()

	e := NewElement(server.URL, "", 0.03, server.Client(), testLogger(), testTunables())
	defer e.Close()
	e.SetLooping(true)
	e.Load(context.Background())

	waitSignal(t, e, SignalCanPlay, 2*time.Second)
	e.Play()

	// Several loop periods pass without an ended signal.
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case sig := <-e.Signals():
			if sig.Kind == SignalEnded {
				t.Fatal("A looping element must never signal ended")
			}
		case <-deadline:
			if e.State() != StatePlaying {
				t.Errorf("Expected the loop to keep playing, got %s", e.State())
			}
			return
		}
	}
}

func TestStallAndRecovery(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write(make([]byte, 20))
		w.(http.Flusher).Flush()
		<-release
		w.Write(make([]byte, 80))
	}))
	defer server.Close()

	e := NewElement(server.URL, "", 1.0, server.Client(), testLogger(), testTunables())
	defer e.Close()
	e.Load(context.Background())

	waitSignal(t, e, SignalCanPlay, 2*time.Second)
	e.Play()

	// Only a fifth of the source arrived; the clock catches up and stalls.
	waitSignal(t, e, SignalStalled, 2*time.Second)

	close(release)
	waitSignal(t, e, SignalCanPlay, 2*time.Second)
}

func TestSuspendGatesTheFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer server.Close()

	e := NewElement(server.URL, "", 1, server.Client(), testLogger(), testTunables())
	defer e.Close()
	e.Suspend()
	e.Load(context.Background())

	waitSignal(t, e, SignalMetadata, 2*time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := e.BufferedBytes(); got != 0 {
		t.Errorf("Expected no bytes while suspended, got %d", got)
	}

	e.Resume()
	waitSignal(t, e, SignalCanPlay, 2*time.Second)
	if e.BufferedBytes() == 0 {
		t.Error("Expected the fetch to make progress after resume")
	}
}

func TestSeekClamping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer server.Close()

	e := NewElement(server.URL, "", 3.0, server.Client(), testLogger(), testTunables())
	defer e.Close()
	e.Load(context.Background())
	waitSignal(t, e, SignalCanPlay, 2*time.Second)

	tests := []struct {
		name string
		seek float64
		want float64
	}{
		{"negative clamps to zero", -5, 0},
		{"within range", 1.5, 1.5},
		{"past end clamps to duration", 999, 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.SeekTo(tt.seek)
			if got := e.Position(); got != tt.want {
				t.Errorf("SeekTo(%v): position = %v, want %v", tt.seek, got, tt.want)
			}
		})
	}
}
