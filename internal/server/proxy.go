package server

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Response headers forwarded from the upstream media origin to the player.
// Everything else is dropped so upstream cookies and cache internals never
// leak through the proxy.
var forwardedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Accept-Ranges",
	"Content-Range",
	"ETag",
	"Last-Modified",
	"Cache-Control",
}

// handleStreamProxy relays a media request to an upstream origin, carrying
// the Range header and bearer token so seeking keeps working through the hop.
func (fs *FeedServer) handleStreamProxy(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		fs.respondError(w, http.StatusBadRequest, "Missing url parameter")
		return
	}

	parsed, err := url.Parse(target)
	if err != nil {
		fs.respondError(w, http.StatusBadRequest, "Invalid url parameter")
		return
	}
	if !parsed.IsAbs() {
		base := fs.config.Server.UpstreamBase
		if base == "" {
			fs.respondError(w, http.StatusBadRequest, "Relative url without upstream base")
			return
		}
		parsed, err = url.Parse(strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(target, "/"))
		if err != nil {
			fs.respondError(w, http.StatusBadRequest, "Invalid upstream url")
			return
		}
	}

	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodGet, parsed.String(), nil)
	if err != nil {
		fs.respondError(w, http.StatusBadGateway, "Upstream request failed")
		return
	}
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		upstream.Header.Set("Range", rangeHeader)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		upstream.Header.Set("Authorization", "Bearer "+token)
	} else if auth := r.Header.Get("Authorization"); auth != "" {
		upstream.Header.Set("Authorization", auth)
	}

	resp, err := fs.proxyClient.Do(upstream)
	if err != nil {
		if r.Context().Err() != nil {
			// Client abandoned the request, common when the player skips
			// ahead mid-download.
			w.WriteHeader(499)
			return
		}
		fs.logger.WithFields(logrus.Fields{
			"url":   parsed.String(),
			"error": err.Error(),
		}).Warn("Upstream media fetch failed")
		fs.respondError(w, http.StatusBadGateway, "Upstream fetch failed")
		return
	}
	defer resp.Body.Close()

	for _, name := range forwardedHeaders {
		if value := resp.Header.Get(name); value != "" {
			w.Header().Set(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil && r.Context().Err() == nil {
		fs.logger.WithField("url", parsed.String()).Debug("Proxy stream interrupted")
	}
}

func newProxyClient() *http.Client {
	return &http.Client{
		// No overall timeout: media streams are long-lived. Dial and
		// header latency are still bounded.
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}
