package retryafter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"

	"github.com/aybabtme/iocontrol"
)

// ErrBodyNotReplayable is returned when a request has to be sent again but
// its body could not be captured.
var ErrBodyNotReplayable = errors.New("retryafter: request body is not replayable")

// BodyKind describes how the body of a captured request can be reproduced.
type BodyKind int

// List of body kinds.
const (
	// BodyEmpty is a request without a body.
	BodyEmpty BodyKind = iota
	// BodyBuffered is a body held in memory, it can be sent any number of
	// times.
	BodyBuffered
	// BodyNonReplayable is a body too large to be buffered; it can only be
	// sent once.
	BodyNonReplayable
)

func (k BodyKind) String() string {
	switch k {
	case BodyEmpty:
		return "empty"
	case BodyBuffered:
		return "buffered"
	case BodyNonReplayable:
		return "non-replayable"
	default:
		return "invalid"
	}
}

// Snapshot holds what is needed to send the same request more than once.
// It is obtained with Capture and is not safe for concurrent use. The
// captured request is never modified beyond the consumption of its body.
type Snapshot struct {
	kind  BodyKind
	body  []byte        // whole body, or the prefix read before giving up
	rest  io.ReadCloser // unread remainder of a non-replayable body
	read  int64
	orig  *http.Request
	sends int
}

// Capture snapshots req. A body of at most maxBody bytes is read in full and
// the original body is closed. A larger body is not consumed past
// maxBody+1 bytes: the snapshot can then send it once, the read prefix
// followed by the rest of the original stream, and reports
// BodyNonReplayable.
//
// If reading the body fails, it is closed and the error is returned; the
// request cannot be sent at all in that case.
func Capture(req *http.Request, maxBody int64) (*Snapshot, error) {
	s := &Snapshot{orig: req}
	if req.Body == nil || req.Body == http.NoBody {
		return s, nil
	}

	if maxBody < 0 {
		maxBody = 0
	}
	limit := maxBody
	if limit < math.MaxInt64 {
		limit++
	}
	mr := iocontrol.NewMeasuredReader(io.LimitReader(req.Body, limit))
	buf, err := io.ReadAll(mr)
	s.read = int64(mr.Total())
	if err != nil {
		req.Body.Close()
		return nil, err
	}

	s.body = buf
	if s.read <= maxBody {
		req.Body.Close()
		s.kind = BodyBuffered
		return s, nil
	}
	s.kind = BodyNonReplayable
	s.rest = req.Body
	return s, nil
}

// Method returns the method of the captured request.
func (s *Snapshot) Method() string {
	return s.orig.Method
}

// URL returns a copy of the URL of the captured request.
func (s *Snapshot) URL() *url.URL {
	u := *s.orig.URL
	if u.User != nil {
		user := *u.User
		u.User = &user
	}
	return &u
}

// Header returns a copy of the header of the captured request.
func (s *Snapshot) Header() http.Header {
	return s.orig.Header.Clone()
}

// Kind returns how the body of the request can be reproduced.
func (s *Snapshot) Kind() BodyKind {
	return s.kind
}

// Replayable returns true if the request can be sent again after its first
// send.
func (s *Snapshot) Replayable() bool {
	return s.kind != BodyNonReplayable
}

// Size returns the number of body bytes read while capturing the request.
func (s *Snapshot) Size() int64 {
	return s.read
}

// Request returns a new request to send, bound to ctx. The first call always
// succeeds; later calls fail with ErrBodyNotReplayable if the body is not
// replayable. The returned request never shares its body with a previous
// one.
func (s *Snapshot) Request(ctx context.Context) (*http.Request, error) {
	first := s.sends == 0
	if !first && s.kind == BodyNonReplayable {
		return nil, ErrBodyNotReplayable
	}
	s.sends++

	r := s.orig.Clone(ctx)
	switch s.kind {
	case BodyBuffered:
		body := s.body
		r.ContentLength = int64(len(body))
		if len(body) == 0 {
			r.Body = http.NoBody
			r.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
			break
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	case BodyNonReplayable:
		r.Body = stitchedBody{
			Reader: io.MultiReader(bytes.NewReader(s.body), s.rest),
			Closer: s.rest,
		}
		r.GetBody = nil
	}
	return r, nil
}

// stitchedBody puts back the bytes read by Capture in front of the unread
// part of the original body.
type stitchedBody struct {
	io.Reader
	io.Closer
}
