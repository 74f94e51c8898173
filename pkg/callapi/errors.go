package callapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrCallNotFound is returned when the service no longer knows a call id.
var ErrCallNotFound = errors.New("call not found")

// APIError is a non-2xx response from the call service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrCallNotFound) match a 404 response.
func (e *APIError) Is(target error) bool {
	return target == ErrCallNotFound && e.StatusCode == http.StatusNotFound
}

// TransportError wraps failures that happen before a response is available
// (DNS, connection refused, timeouts) or while reading it.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
