package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flickfeed/internal/config"
	"flickfeed/pkg/models"

	"github.com/sirupsen/logrus"
)

// Sentinel errors callers branch on. ErrDuplicateReport is a successful
// outcome for not-playable reports, not a failure. ErrEntryVanished means the
// entry no longer exists upstream and the caller should skip silently.
var (
	ErrEntryVanished   = errors.New("entry no longer exists")
	ErrDuplicateReport = errors.New("already reported")
)

// Client talks to the remote playlist/reaction API. Every request is bounded
// by the configured timeout and carries the bearer credential when one is set.
type Client struct {
	cfg        config.APIConfig
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates an API client from the resolved configuration.
func NewClient(cfg config.APIConfig, logger *logrus.Logger) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		logger: logger,
	}
}

// ResolveEndpoint substitutes {id} in a path template.
func ResolveEndpoint(template, id string) string {
	return strings.ReplaceAll(template, "{id}", url.PathEscape(id))
}

// ResolveURL turns a playlist entry URL into an absolute locator, resolving
// relative URLs against the configured base.
func (c *Client) ResolveURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid entry url %q: %w", raw, err)
	}
	if u.IsAbs() {
		return raw, nil
	}
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", c.cfg.BaseURL, err)
	}
	return base.ResolveReference(u).String(), nil
}

// BearerToken returns the configured credential, empty when unset.
func (c *Client) BearerToken() string {
	return c.cfg.BearerToken
}

// FetchPlaylist retrieves one playlist page. A nil cursor requests the first
// page.
func (c *Client) FetchPlaylist(ctx context.Context, cursor *string) (*models.PlaylistPage, error) {
	endpoint := c.cfg.BaseURL + c.cfg.PlaylistPath
	if cursor != nil && *cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(*cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("playlist fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var page models.PlaylistPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode playlist page: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"items":       len(page.Items),
		"next_cursor": page.NextCursor != nil,
	}).Debug("Fetched playlist page")

	return &page, nil
}

// Like sends a like reaction for the given entry.
func (c *Client) Like(ctx context.Context, id string) (*models.ReactionResult, error) {
	return c.sendReaction(ctx, c.cfg.LikePath, id)
}

// Dislike sends a dislike reaction for the given entry.
func (c *Client) Dislike(ctx context.Context, id string) (*models.ReactionResult, error) {
	return c.sendReaction(ctx, c.cfg.DislikePath, id)
}

func (c *Client) sendReaction(ctx context.Context, template, id string) (*models.ReactionResult, error) {
	body := map[string]string{"id": id}

	resp, err := c.postJSON(ctx, ResolveEndpoint(template, id), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var result models.ReactionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode reaction response: %w", err)
	}
	return &result, nil
}

// SendImpression reports watched seconds and completion for an entry. A 404
// from upstream is surfaced as ErrEntryVanished.
func (c *Client) SendImpression(ctx context.Context, id string, report models.ImpressionReport) error {
	resp, err := c.postJSON(ctx, ResolveEndpoint(c.cfg.ImpressionPath, id), report)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("impression for %s: %w", id, ErrEntryVanished)
	default:
		return statusError(resp)
	}
}

// ReportNotPlayable reports an entry that failed to load after retries.
// A 409 means the entry was already reported and is returned as
// ErrDuplicateReport; a 404 maps to ErrEntryVanished.
func (c *Client) ReportNotPlayable(ctx context.Context, id string, report models.NotPlayableReport) error {
	resp, err := c.postJSON(ctx, ResolveEndpoint(c.cfg.NotPlayablePath, id), report)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("not-playable report for %s: %w", id, ErrDuplicateReport)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("not-playable report for %s: %w", id, ErrEntryVanished)
	default:
		return statusError(resp)
	}
}

// postJSON issues a JSON POST to a path below the configured base URL.
func (c *Client) postJSON(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}
}

// statusError builds a human-readable error from a non-2xx response,
// including a snippet of the body when one is present.
func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	text := strings.TrimSpace(string(snippet))
	if text == "" {
		text = resp.Status
	}
	return fmt.Errorf("request failed (%d): %s", resp.StatusCode, text)
}
