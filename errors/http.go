package errors

import (
	"encoding/json"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MinErrorStatusCode is the minimum HTTP status code considered an error.
const MinErrorStatusCode = 400

// maxErrorBodyBytes bounds how much of an error response body is retained.
const maxErrorBodyBytes = 64 * 1024

// HTTPError represents a structured error parsed from a non-2xx response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	Message    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP error (%d %s): %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP error: %d %s", e.StatusCode, e.Status)
}

// ParseHTTPError parses an HTTP error response into a structured error.
// It returns nil for responses below MinErrorStatusCode.
func ParseHTTPError(resp *http.Response) error {
	if resp.StatusCode < MinErrorStatusCode {
		return nil
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    fmt.Sprintf("failed to read error response body: %v", err),
		}
	}

	httpErr := &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(bodyBytes),
	}

	var jsonErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(bodyBytes, &jsonErr) == nil {
		if jsonErr.Error != "" {
			httpErr.Message = jsonErr.Error
		} else if jsonErr.Message != "" {
			httpErr.Message = jsonErr.Message
		}
	}

	return httpErr
}

// IsQuotaExceeded reports whether the error is the server telling us the
// account's evidence quota is exhausted. Retrying cannot succeed, so the
// caller must abort the remainder of its capture batch.
func IsQuotaExceeded(err error) bool {
	var httpErr *HTTPError
	if !goerrors.As(err, &httpErr) {
		return false
	}
	if httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return strings.Contains(strings.ToLower(httpErr.Message), "quota")
}
