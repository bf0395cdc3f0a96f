package retryafter

import (
	"errors"
	"net"
)

// isTimeoutErr reports whether err, returned by the wrapped RoundTripper, is
// a timeout, e.g. the expiry of the per-attempt timeout.
func isTimeoutErr(err error) bool {
	var neterr net.Error
	if errors.As(err, &neterr) && neterr.Timeout() {
		return true
	}

	return false
}
