package assistants

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrorKind classifies remote failures by status, never by message text.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindRateLimited
	KindUnauthorized
	KindBadRequest
	KindServer
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindBadRequest:
		return "bad_request"
	case KindServer:
		return "server"
	case KindTransport:
		return "transport"
	}
	return "unknown"
}

// APIError is returned for non-2xx responses and transport failures.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Kind       ErrorKind

	retryAfter time.Duration
	err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("assistants %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("assistants %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.err }

func (e *APIError) retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindServer, KindTransport:
		return true
	}
	return false
}

// IsNotFound reports whether err is a remote 404.
func IsNotFound(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.Kind == KindNotFound
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindBadRequest
	}
	return KindUnknown
}

func parseAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	e := &APIError{
		StatusCode: resp.StatusCode,
		Kind:       kindForStatus(resp.StatusCode),
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		e.Message = body.Error.Message
		if body.Error.Code != nil {
			e.Code = fmt.Sprint(body.Error.Code)
		} else {
			e.Code = body.Error.Type
		}
	} else {
		e.Message = string(raw)
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}
