// Package retryafter implements an HTTP transport that honors the
// Retry-After response header.
//
// An HTTP Client can be created with a *retryafter.Transport as Transport
// and it will wait and retry its requests when the server asks for it, e.g.:
//
//	tr, err := retryafter.NewTransport(
//		nil,                                 // will use http.DefaultTransport
//		retryafter.WithMaxRetries(3),        // max 3 retries
//		retryafter.WithMaxWait(time.Minute), // never wait more than 1m at once
//	)
//	if err != nil {
//		// invalid configuration
//	}
//	client := &http.Client{
//		Transport: tr,
//		Timeout:   5 * time.Minute, // timeout applies to all retries as a whole
//	}
//
// A request is sent again only when the response status is one of the
// trigger statuses (429 and 503 by default) and it carries a valid
// Retry-After header, either a number of seconds or an HTTP-date. The wait
// is what the header asks for, capped by the maximum wait. Anything else,
// including transport errors, is returned to the caller as-is; the Transport
// does not implement backoff strategies.
//
// Middleware returns the same Transport as a func(http.RoundTripper)
// http.RoundTripper, to be composed with other RoundTripper decorators.
//
// The Transport buffers the request's body, up to a configurable size, in
// order to be able to send it again, as an attempt consumes and closes the
// body. A request with a larger body is sent once and never retried.
//
// Waits are driven by a Clock and end early when the request context is
// done. WithClock and FakeClock make retries deterministic in tests.
package retryafter
