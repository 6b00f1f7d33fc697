package errors_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worklens/trackengine/errors"
)

func response(status int, body string) *http.Response {
	rec := httptest.NewRecorder()
	rec.WriteHeader(status)
	io.Copy(rec, strings.NewReader(body))
	return rec.Result()
}

func TestParseHTTPError_NilBelowThreshold(t *testing.T) {
	assert.NoError(t, errors.ParseHTTPError(response(http.StatusOK, "ok")))
	assert.NoError(t, errors.ParseHTTPError(response(http.StatusNoContent, "")))
}

func TestParseHTTPError_ExtractsJSONMessage(t *testing.T) {
	err := errors.ParseHTTPError(response(http.StatusBadRequest, `{"error":"missing item_id"}`))

	var httpErr *errors.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Equal(t, "missing item_id", httpErr.Message)
	assert.Contains(t, httpErr.Error(), "missing item_id")
}

func TestParseHTTPError_MessageFieldFallback(t *testing.T) {
	err := errors.ParseHTTPError(response(http.StatusForbidden, `{"message":"not allowed"}`))

	var httpErr *errors.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, "not allowed", httpErr.Message)
}

func TestParseHTTPError_NonJSONBodyKept(t *testing.T) {
	err := errors.ParseHTTPError(response(http.StatusBadGateway, "upstream timed out"))

	var httpErr *errors.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Empty(t, httpErr.Message)
	assert.Equal(t, "upstream timed out", httpErr.Body)
}

func TestIsQuotaExceeded(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"429 status", &errors.HTTPError{StatusCode: http.StatusTooManyRequests}, true},
		{"quota in message", &errors.HTTPError{StatusCode: http.StatusForbidden, Message: "Screenshot Quota exhausted"}, true},
		{"wrapped quota error", fmt.Errorf("upload evidence: %w", &errors.HTTPError{StatusCode: 429}), true},
		{"other http error", &errors.HTTPError{StatusCode: http.StatusInternalServerError, Message: "boom"}, false},
		{"plain error", fmt.Errorf("connection refused"), false},
		{"nil", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errors.IsQuotaExceeded(tc.err))
		})
	}
}

func TestWrapWithContext(t *testing.T) {
	assert.Nil(t, errors.WrapWithContext(nil, "anything"))

	base := fmt.Errorf("boom")
	wrapped := errors.WrapWithContext(base, "upload evidence")
	assert.EqualError(t, wrapped, "upload evidence: boom")
	assert.ErrorIs(t, wrapped, base)

	formatted := errors.WrapWithContextf(base, "sync item %s", "i1")
	assert.EqualError(t, formatted, "sync item i1: boom")
}
