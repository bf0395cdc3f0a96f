package retryafter

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

type mockRoundTripper struct {
	t *testing.T

	mu     sync.Mutex
	calls  int
	bodies []string
	reqs   []*http.Request
	retFn  func(int, *http.Request) (*http.Response, error)
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()

	att := m.calls
	m.calls++
	m.reqs = append(m.reqs, req)
	if req.Body != nil {
		var buf bytes.Buffer
		_, err := io.Copy(&buf, req.Body)
		req.Body.Close()
		require.Nil(m.t, err)
		m.bodies = append(m.bodies, buf.String())
	}
	m.mu.Unlock()

	return m.retFn(att, req)
}

func (m *mockRoundTripper) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockRoundTripper) Bodies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bodies
}

func (m *mockRoundTripper) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs
}

// trackedBody records whether a response body was closed.
type trackedBody struct {
	io.Reader

	mu     sync.Mutex
	closed bool
}

func (b *trackedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *trackedBody) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// newResponse returns a response with the given status and, if given, a
// Retry-After header for each value.
func newResponse(status int, retryAfter ...string) *http.Response {
	res := &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       &trackedBody{Reader: strings.NewReader(http.StatusText(status))},
	}
	for _, v := range retryAfter {
		res.Header.Add(HeaderRetryAfter, v)
	}
	return res
}

// respond returns a retFn that answers each attempt with the matching
// response, the last one repeating.
func respond(responses ...func() *http.Response) func(int, *http.Request) (*http.Response, error) {
	return func(att int, _ *http.Request) (*http.Response, error) {
		if att >= len(responses) {
			att = len(responses) - 1
		}
		return responses[att](), nil
	}
}

func status(code int, retryAfter ...string) func() *http.Response {
	return func() *http.Response { return newResponse(code, retryAfter...) }
}

type tempErr struct{}

func (t tempErr) Error() string   { return "temp error" }
func (t tempErr) Temporary() bool { return true }

type timeoutErr struct{}

func (t timeoutErr) Error() string   { return "timeout error" }
func (t timeoutErr) Timeout() bool   { return true }
func (t timeoutErr) Temporary() bool { return true }
