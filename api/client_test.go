package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worklens/trackengine/api"
	"github.com/worklens/trackengine/clock"
	trkerrors "github.com/worklens/trackengine/errors"
	"github.com/worklens/trackengine/evidence"
	"github.com/worklens/trackengine/logger"
	"github.com/worklens/trackengine/timer"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, token string) *api.HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return api.NewHTTPClient(api.Config{
		BaseURL:     srv.URL,
		AccessToken: token,
	}, clock.New(), logger.NewNop())
}

func testRecord() *evidence.Record {
	return &evidence.Record{
		ID:     "rec-1",
		JobID:  "j1",
		ItemID: "i1",
		ActiveItems: []timer.ActiveItem{
			{ID: "i1", Name: "Item 1"},
			{ID: "i2", Name: "Item 2"},
		},
		Keystrokes:       42,
		MouseClicks:      7,
		IdleSeconds:      3,
		AppName:          "editor",
		CapturedAt:       time.Date(2025, 3, 10, 9, 10, 0, 0, time.UTC),
		Image:            []byte("png-bytes"),
		DeviceID:         "device-1",
		WallClockSeconds: 600,
	}
}

func TestHeartbeat_RoundTrip(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/activity/heartbeat", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req api.HeartbeatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "i1", req.ItemID)
		assert.Equal(t, int64(90), req.ElapsedSeconds)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"capture_now":true}`)
	}, "token-1")

	resp, err := client.Heartbeat(context.Background(), api.HeartbeatRequest{
		ItemID: "i1", JobID: "j1", ElapsedSeconds: 90, DeviceID: "device-1",
	})

	require.NoError(t, err)
	assert.True(t, resp.CaptureNow)
}

func TestHeartbeat_ErrorResponseParsed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":"database unavailable"}`)
	}, "")

	_, err := client.Heartbeat(context.Background(), api.HeartbeatRequest{ItemID: "i1"})

	var httpErr *trkerrors.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Equal(t, "database unavailable", httpErr.Message)
}

func TestUploadEvidence_MultipartFields(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks/proof-of-work", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "j1", r.FormValue("job_id"))
		assert.Equal(t, "i1", r.FormValue("item_id"))
		assert.Equal(t, `["i1","i2"]`, r.FormValue("active_item_ids"))
		assert.Equal(t, "42", r.FormValue("keystrokes"))
		assert.Equal(t, "7", r.FormValue("mouse_clicks"))
		assert.Equal(t, "3", r.FormValue("idle_seconds"))
		assert.Equal(t, "2025-03-10T09:10:00Z", r.FormValue("captured_at"))
		assert.Equal(t, "device-1", r.FormValue("device_id"))
		assert.Equal(t, "editor", r.FormValue("app_name"))

		file, header, err := r.FormFile("screenshot")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "screenshot.png", header.Filename)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, []byte("png-bytes"), data)
	}, "token-1")

	require.NoError(t, client.UploadEvidence(context.Background(), testRecord()))
}

func TestUploadEvidence_QuotaErrorClassified(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":"screenshot quota exceeded"}`)
	}, "")

	err := client.UploadEvidence(context.Background(), testRecord())

	require.Error(t, err)
	assert.True(t, trkerrors.IsQuotaExceeded(err))
}

func TestLogActivity(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/activity/log", r.URL.Path)

		var req api.ActivityLogRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "i1", req.ItemID)
		assert.Equal(t, 42, req.Keystrokes)
	}, "")

	err := client.LogActivity(context.Background(), api.ActivityLogRequest{
		ItemID: "i1", Keystrokes: 42, MouseClicks: 7,
	})
	require.NoError(t, err)
}

func TestSyncItemTime(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tasks/i1/tracked-time", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"total_seconds":75}`, string(body))
	}, "")

	require.NoError(t, client.SyncItemTime(context.Background(), "i1", 75))
}

func TestProbe(t *testing.T) {
	t.Run("healthy backend", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/health", r.URL.Path)
		}, "")
		assert.NoError(t, client.Probe(context.Background()))
	})

	t.Run("degraded backend", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}, "")
		assert.Error(t, client.Probe(context.Background()))
	})
}

func TestExpiredToken_ShortCircuitsCalls(t *testing.T) {
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	token, err := expired.SignedString([]byte("test-key"))
	require.NoError(t, err)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the server with an expired token")
	}, token)

	_, err = client.Heartbeat(context.Background(), api.HeartbeatRequest{ItemID: "i1"})
	assert.ErrorIs(t, err, api.ErrTokenExpired)

	err = client.UploadEvidence(context.Background(), testRecord())
	assert.ErrorIs(t, err, api.ErrTokenExpired)
}

func TestOpaqueToken_NotExpiryChecked(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer opaque-token", r.Header.Get("Authorization"))
	}, "opaque-token")

	// Non-JWT tokens carry no parseable expiry; the call goes through.
	_, err := client.Heartbeat(context.Background(), api.HeartbeatRequest{ItemID: "i1"})
	require.NoError(t, err)
}
