package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is returned by accessors for 4xx/5xx responses from the remote side.
// It carries the status so retry policy can classify it.
type Error struct {
	err    error
	status int
}

// NewError wraps err with a status code. err may be nil.
func NewError(err error, status int) *Error {
	return &Error{err: err, status: status}
}

// FromResponse builds an error from a status code and response body.
// A zero status yields a plain error (or nil for an empty body).
func FromResponse(status int, body []byte) error {
	var err error
	if text := strings.TrimSpace(string(body)); text != "" {
		err = errors.New(text)
	}
	if status == 0 {
		return err
	}
	return NewError(err, status)
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("remote error %d: %v", e.status, e.err)
	}
	if text := http.StatusText(e.status); text != "" {
		return fmt.Sprintf("remote error %d %s", e.status, text)
	}
	return fmt.Sprintf("remote error %d", e.status)
}

func (e *Error) Status() int { return e.status }

func (e *Error) Unwrap() error { return e.err }

// ClientError reports a 4xx status.
func (e *Error) ClientError() bool { return e.status >= 400 && e.status < 500 }

// StatusOf returns the status of the first *Error in err's chain, or 0.
func StatusOf(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.status
	}
	return 0
}
