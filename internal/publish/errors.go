package publish

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v59/github"
)

// AuthError is returned when the credentials are missing or rejected. It is
// never retried.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// PublishError is returned when the hosting API keeps failing.
type PublishError struct {
	Op  string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

var ErrMissingToken = errors.New("no GitHub token configured")

func classify(op string, err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return &PublishError{Op: op, Err: err}
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthError{Op: op, Err: err}
		}
	}
	return &PublishError{Op: op, Err: err}
}
