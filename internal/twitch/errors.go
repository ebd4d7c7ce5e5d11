package twitch

import (
	"errors"
	"fmt"
)

var errMalformed = errors.New("malformed response")

// UpstreamError reports a failed platform query: transport error, non-2xx
// status or an undecodable payload.
type UpstreamError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("twitch %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("twitch %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsMalformed reports whether err was caused by an undecodable response.
func IsMalformed(err error) bool { return errors.Is(err, errMalformed) }
