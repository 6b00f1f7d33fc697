package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/worklens/trackengine/clock"
	"github.com/worklens/trackengine/errors"
	"github.com/worklens/trackengine/evidence"
	"github.com/worklens/trackengine/httpx"
	"github.com/worklens/trackengine/logger"
)

// Default per-call timeouts. Uploads carry image payloads and get the
// longer bound.
const (
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultUploadTimeout    = 30 * time.Second
)

// Config configures the HTTP API client.
type Config struct {
	BaseURL     string
	AccessToken string
	// HeartbeatTimeout bounds heartbeat, activity-flush, time-sync, and
	// probe calls.
	HeartbeatTimeout time.Duration
	// UploadTimeout bounds evidence uploads.
	UploadTimeout time.Duration
}

// HTTPClient is the production Client implementation.
type HTTPClient struct {
	baseURL string
	token   string
	// tokenExpiresAt is parsed from the bearer token's JWT claims when
	// possible; zero means unknown (opaque token) and expiry is not
	// enforced locally.
	tokenExpiresAt   time.Time
	heartbeatTimeout time.Duration
	uploadTimeout    time.Duration

	httpClient *http.Client
	clock      clock.Clock
	log        logger.Logger
}

// NewHTTPClient creates a Client talking to cfg.BaseURL.
func NewHTTPClient(cfg Config, clk clock.Clock, log logger.Logger) *HTTPClient {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}

	return &HTTPClient{
		baseURL:          cfg.BaseURL,
		token:            cfg.AccessToken,
		tokenExpiresAt:   parseTokenExpiry(cfg.AccessToken),
		heartbeatTimeout: cfg.HeartbeatTimeout,
		uploadTimeout:    cfg.UploadTimeout,
		httpClient:       httpx.NewClient(&httpx.ClientConfig{Timeout: cfg.UploadTimeout}),
		clock:            clk,
		log:              log,
	}
}

// Heartbeat implements Client.
func (c *HTTPClient) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	body, err := c.doJSON(ctx, http.MethodPost, "/activity/heartbeat", req, c.heartbeatTimeout)
	if err != nil {
		return nil, err
	}

	var resp HeartbeatResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode heartbeat response: %w", err)
		}
	}
	return &resp, nil
}

// UploadEvidence implements evidence.Uploader with a multipart POST.
func (c *HTTPClient) UploadEvidence(ctx context.Context, rec *evidence.Record) error {
	if err := c.checkToken(); err != nil {
		return err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	activeIDs := make([]string, len(rec.ActiveItems))
	for i, it := range rec.ActiveItems {
		activeIDs[i] = it.ID
	}
	activeJSON, err := json.Marshal(activeIDs)
	if err != nil {
		return fmt.Errorf("marshal active item ids: %w", err)
	}

	fields := map[string]string{
		"job_id":          rec.JobID,
		"item_id":         rec.ItemID,
		"active_item_ids": string(activeJSON),
		"keystrokes":      strconv.Itoa(rec.Keystrokes),
		"mouse_clicks":    strconv.Itoa(rec.MouseClicks),
		"idle_seconds":    strconv.Itoa(rec.IdleSeconds),
		"captured_at":     rec.CapturedAt.UTC().Format(time.RFC3339),
		"device_id":       rec.DeviceID,
	}
	if rec.AppName != "" {
		fields["app_name"] = rec.AppName
	}
	if rec.WindowTitle != "" {
		fields["window_title"] = rec.WindowTitle
	}
	for key, val := range fields {
		if err := w.WriteField(key, val); err != nil {
			return fmt.Errorf("write field %s: %w", key, err)
		}
	}

	part, err := w.CreateFormFile("screenshot", "screenshot.png")
	if err != nil {
		return fmt.Errorf("create screenshot part: %w", err)
	}
	if _, err := part.Write(rec.Image); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize multipart body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks/proof-of-work", &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapWithContext(err, "upload evidence")
	}
	defer resp.Body.Close()

	if err := errors.ParseHTTPError(resp); err != nil {
		return errors.WrapWithContext(err, "upload evidence")
	}
	return nil
}

// LogActivity implements Client.
func (c *HTTPClient) LogActivity(ctx context.Context, req ActivityLogRequest) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/activity/log", req, c.heartbeatTimeout)
	return err
}

// SyncItemTime implements Client.
func (c *HTTPClient) SyncItemTime(ctx context.Context, itemID string, totalSeconds int64) error {
	payload := struct {
		TotalSeconds int64 `json:"total_seconds"`
	}{TotalSeconds: totalSeconds}

	_, err := c.doJSON(ctx, http.MethodPut, "/tasks/"+itemID+"/tracked-time", payload, c.heartbeatTimeout)
	return err
}

// Probe implements Client and health.Prober. It hits a read-only endpoint
// and carries no body, so repeated probes are side-effect free.
func (c *HTTPClient) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.heartbeatTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapWithContext(err, "probe")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= errors.MinErrorStatusCode {
		return fmt.Errorf("probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// doJSON posts (or puts) a JSON payload and returns the raw response body.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, payload any, timeout time.Duration) ([]byte, error) {
	if err := c.checkToken(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapWithContextf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if err := errors.ParseHTTPError(resp); err != nil {
		return nil, errors.WrapWithContextf(err, "%s %s", method, path)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return respBody, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
