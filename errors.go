package retryafter

import (
	"fmt"
	"net/http"
	"time"
)

// BodyReplayError is returned by RoundTrip, when Config.FailOnNonReplayableBody
// is set, if the server asked for a retry that could not be done because the
// request body was not buffered.
//
// Response is the response that asked for the retry. Its body is left open
// and must be closed by the caller.
type BodyReplayError struct {
	Response *http.Response
	Retries  int
	Wait     time.Duration
}

func (e *BodyReplayError) Error() string {
	return fmt.Sprintf("%v: status %d asked for a retry in %s after %d retries",
		ErrBodyNotReplayable, e.Response.StatusCode, e.Wait, e.Retries)
}

func (e *BodyReplayError) Unwrap() error {
	return ErrBodyNotReplayable
}
