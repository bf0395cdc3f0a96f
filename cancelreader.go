package retryafter

import (
	"context"
	"io"
	"net/http"
)

type cancelReader struct {
	io.ReadCloser

	cancel context.CancelFunc
}

func (r cancelReader) Close() error {
	r.cancel()
	return r.ReadCloser.Close()
}

// bindCancel ties the per-attempt context to the response body, so the
// caller can still read the body after RoundTrip returned; the context is
// cancelled when the body is closed. Without a response there is nothing to
// read and the context is cancelled right away.
// Solution based on https://github.com/go-kit/kit/issues/773.
func bindCancel(res *http.Response, cancel context.CancelFunc) *http.Response {
	if res == nil || res.Body == nil {
		cancel()
		return res
	}

	res.Body = cancelReader{
		ReadCloser: res.Body,
		cancel:     cancel,
	}
	return res
}
