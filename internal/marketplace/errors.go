package marketplace

import (
	"errors"
	"fmt"
)

// StatusError is a non-2xx API response. The body is truncated for logs.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("marketplace: status %d: %s", e.Code, e.Body)
}

func statusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// IsRateLimited reports a 429 response: back off and come back later.
func IsRateLimited(err error) bool {
	c, ok := statusCode(err)
	return ok && c == 429
}

// IsUnprocessable reports a 422 response to a probe patch.
func IsUnprocessable(err error) bool {
	c, ok := statusCode(err)
	return ok && c == 422
}

// IsGoneForever reports responses after which polling a tender is
// pointless: access denied or the tender no longer exists.
func IsGoneForever(err error) bool {
	c, ok := statusCode(err)
	return ok && (c == 403 || c == 404 || c == 410)
}

// IsNotFound reports 404/410 only.
func IsNotFound(err error) bool {
	c, ok := statusCode(err)
	return ok && (c == 404 || c == 410)
}

// IsConflict reports a 409 write conflict.
func IsConflict(err error) bool {
	c, ok := statusCode(err)
	return ok && c == 409
}

// IsRetryNow reports a 412: the server invalidated our session affinity
// and the call should be repeated immediately with the fresh cookie.
func IsRetryNow(err error) bool {
	c, ok := statusCode(err)
	return ok && c == 412
}
