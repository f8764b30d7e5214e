package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"flickfeed/internal/config"
	"flickfeed/internal/ngrok"

	"github.com/sirupsen/logrus"
)

// FeedServer hosts the engine's external collaborators: the mock playlist and
// reaction API, the range-forwarding stream proxy and local demo media
// streaming.
type FeedServer struct {
	config      *config.Config
	logger      *logrus.Logger
	mock        *mockAPI
	proxyClient *http.Client
	tunnel      *ngrok.Tunnel
	httpServer  *http.Server
}

// NewFeedServer creates a server instance from the resolved configuration.
func NewFeedServer(cfg *config.Config, logger *logrus.Logger) (*FeedServer, error) {
	tunnel, err := ngrok.NewTunnel(&cfg.Ngrok, logger)
	if err != nil {
		logger.WithError(err).Warn("Ngrok tunnel not available")
		tunnel = nil
	}

	return &FeedServer{
		config:      cfg,
		logger:      logger,
		mock:        newMockAPI(cfg, logger),
		proxyClient: newProxyClient(),
		tunnel:      tunnel,
	}, nil
}

// Handler builds the full route table. Exposed separately so tests can mount
// the server inside httptest.
func (fs *FeedServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", fs.handleHealthCheck)
	mux.HandleFunc("/api/stream", fs.handleStreamProxy)
	mux.HandleFunc("/api/v1/playlist", fs.mock.handlePlaylist)
	mux.HandleFunc("/api/v1/videos/", fs.mock.handleVideo)
	mux.HandleFunc("/videos/", fs.handleLocalMedia)

	if fs.config.Server.EnableCORS {
		return fs.corsMiddleware(mux)
	}
	return mux
}

// Start runs the HTTP server until it fails, opening the ngrok tunnel first
// when one is configured.
func (fs *FeedServer) Start() error {
	localAddress := fmt.Sprintf("http://%s", fs.config.GetAddress())
	fs.logger.WithField("address", localAddress).Info("Feed server starting")

	if err := fs.tunnel.Open(context.Background(), localAddress); err != nil {
		fs.logger.WithError(err).Warn("Could not open ngrok tunnel")
	} else {
		defer fs.tunnel.Close()
	}

	fs.httpServer = &http.Server{
		Addr:        fs.config.GetAddress(),
		Handler:     fs.Handler(),
		ReadTimeout: time.Duration(fs.config.Server.ReadTimeout) * time.Second,
	}
	return fs.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (fs *FeedServer) Shutdown(ctx context.Context) {
	fs.logger.Info("Shutting down feed server")
	if fs.httpServer != nil {
		if err := fs.httpServer.Shutdown(ctx); err != nil {
			fs.logger.WithError(err).Warn("Feed server shutdown error")
		}
	}
}

// handleHealthCheck responds with a JSON liveness payload.
func (fs *FeedServer) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	fs.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// corsMiddleware applies permissive CORS headers to every response.
func (fs *FeedServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Range")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondJSON writes a JSON response with the given status code.
func (fs *FeedServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		fs.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// respondError writes a structured JSON error response.
func (fs *FeedServer) respondError(w http.ResponseWriter, status int, message string) {
	fs.respondJSON(w, status, map[string]interface{}{
		"error":   message,
		"code":    status,
		"success": false,
	})
}
