package retryafter

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// maxDrain is how much of a discarded response body is read so that the
// connection can be reused.
const maxDrain = 4 << 10

// Transport wraps an http.RoundTripper and honors the Retry-After header of
// the responses it returns: when a response has one of the trigger status
// codes and a valid Retry-After header, the Transport waits as asked and
// sends the same request again, up to the configured number of retries.
//
// Transport errors are never retried. The Transport is safe for concurrent
// use by multiple goroutines.
type Transport struct {
	rt       http.RoundTripper
	cfg      Config
	triggers map[int]bool
	clock    Clock
	log      zerolog.Logger
	metrics  *metrics
	gate     *gate
}

// NewTransport returns a Transport sending requests with rt, configured by
// opts on top of DefaultConfig. If rt is nil, http.DefaultTransport is used.
// An invalid configuration returns a *ConfigError.
func NewTransport(rt http.RoundTripper, opts ...Option) (*Transport, error) {
	s, err := newSettings(opts)
	if err != nil {
		return nil, err
	}
	return newTransport(rt, s), nil
}

// Middleware returns a constructor wrapping any http.RoundTripper in a
// Transport configured by opts, for use in a chain of RoundTrippers. The
// options are validated once, when Middleware is called.
func Middleware(opts ...Option) (func(http.RoundTripper) http.RoundTripper, error) {
	s, err := newSettings(opts)
	if err != nil {
		return nil, err
	}
	return func(next http.RoundTripper) http.RoundTripper {
		return newTransport(next, s)
	}, nil
}

func newSettings(opts []Option) (settings, error) {
	s := settings{
		cfg: DefaultConfig(),
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if err := s.cfg.Validate(); err != nil {
		return settings{}, err
	}
	if s.clock == nil {
		s.clock = NewClock(nil)
	}
	return s, nil
}

func newTransport(rt http.RoundTripper, s settings) *Transport {
	if rt == nil {
		rt = http.DefaultTransport
	}
	t := &Transport{
		rt:       rt,
		cfg:      s.cfg.clone(),
		triggers: make(map[int]bool, len(s.cfg.TriggerStatuses)),
		clock:    s.clock,
		log:      s.log,
		metrics:  newMetrics(s.meter, s.log),
	}
	for _, code := range s.cfg.TriggerStatuses {
		t.triggers[code] = true
	}
	if s.cfg.URLPause {
		t.gate = newGate()
	}
	return t
}

// Config returns a copy of the configuration of the Transport.
func (t *Transport) Config() Config {
	return t.cfg.clone()
}

// CloseIdleConnections calls the same method on the wrapped RoundTripper, if
// it has one.
func (t *Transport) CloseIdleConnections() {
	type closeIdler interface {
		CloseIdleConnections()
	}
	if ci, ok := t.rt.(closeIdler); ok {
		ci.CloseIdleConnections()
	}
}

// Report receives the outcome of a RoundTrip whose request context was made
// with WithReport.
type Report struct {
	// Retries is the number of times the request was sent again.
	Retries int
	// Waited is the total time spent waiting between attempts.
	Waited time.Duration
	// Paused is the time the request was held back before its first attempt
	// because of a Retry-After deadline remembered for its URL.
	Paused time.Duration
}

type reportKey struct{}

// WithReport returns a copy of ctx that makes the Transport fill r when a
// request using that context completes.
func WithReport(ctx context.Context, r *Report) context.Context {
	return context.WithValue(ctx, reportKey{}, r)
}

func reportFrom(ctx context.Context) *Report {
	r, _ := ctx.Value(reportKey{}).(*Report)
	return r
}

type state int

const (
	stateSending state = iota
	stateEvaluating
	stateWaiting
	stateReturning
)

// attemptState is the per-call retry bookkeeping.
type attemptState struct {
	retries int
	waited  time.Duration
	paused  time.Duration
}

type decision struct {
	retry  bool
	wait   time.Duration
	raw    string
	reason string
}

// RoundTrip implements http.RoundTripper for the Transport type. It sends
// the request with the wrapped RoundTripper and, as long as the response
// asks for it and retries remain, waits and sends it again.
//
// It returns the last response or error obtained from the wrapped
// RoundTripper, except when the request context is done during a wait, in
// which case the context error is returned, and when a BodyReplayError is
// returned (see Config.FailOnNonReplayableBody).
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	log := t.requestLogger(req)
	var as attemptState

	var key string
	if t.gate != nil {
		key = gateKey(req.URL)
		if err := t.pause(ctx, req.Method, key, log, &as); err != nil {
			if req.Body != nil {
				req.Body.Close()
			}
			as.report(ctx)
			return nil, err
		}
	}

	snap, err := Capture(req, t.cfg.MaxBodyBytes)
	if err != nil {
		// cannot even try the first attempt, body has been consumed
		as.report(ctx)
		return nil, err
	}

	var (
		res        *http.Response
		wait       time.Duration
		waitStatus int
		st         = stateSending
	)
	for {
		switch st {
		case stateSending:
			res, err = t.send(ctx, snap)
			if t.gate != nil && err == nil && res != nil {
				t.gate.observe(key, res, t.clock.Now())
			}
			st = stateEvaluating

		case stateEvaluating:
			d := t.evaluate(snap, &as, res, err)
			st = stateReturning
			switch {
			case d.retry:
				wait = d.wait
				waitStatus = res.StatusCode
				st = stateWaiting
				log.Debug().
					Int("status", res.StatusCode).
					Str("retry_after", d.raw).
					Dur("wait", wait).
					Int("retry", as.retries+1).
					Msg("honoring Retry-After")
				addWaitEvent(ctx, res.StatusCode, d.raw, wait, as.retries+1)

			case err != nil:
				log.Debug().Err(err).Bool("timeout", isTimeoutErr(err)).Msg("attempt failed, not retrying")

			case d.reason != "":
				t.metrics.recordSkip(ctx, req.Method, res.StatusCode, d.reason)
				if d.reason == skipNotReplayable {
					log.Warn().
						Int("status", res.StatusCode).
						Str("body_read", humanize.Bytes(uint64(snap.Size()))).
						Str("body_limit", humanize.Bytes(uint64(t.cfg.MaxBodyBytes))).
						Msg("retry requested but request body was too large to buffer")
					if t.cfg.FailOnNonReplayableBody {
						rerr := &BodyReplayError{Response: res, Retries: as.retries, Wait: d.wait}
						res, err = nil, rerr
					}
					break
				}
				log.Debug().Int("status", res.StatusCode).Str("reason", d.reason).Msg("not retrying")
			}

		case stateWaiting:
			drainAndClose(res)
			res = nil
			if serr := t.clock.Sleep(ctx, wait); serr != nil {
				log.Debug().Err(serr).Msg("cancelled while waiting for Retry-After")
				as.report(ctx)
				return nil, serr
			}
			as.retries++
			as.waited += wait
			t.metrics.recordRetry(ctx, req.Method, waitStatus, wait)
			st = stateSending

		case stateReturning:
			as.report(ctx)
			return res, err
		}
	}
}

// evaluate decides what to do with the outcome of an attempt.
func (t *Transport) evaluate(snap *Snapshot, as *attemptState, res *http.Response, err error) decision {
	if err != nil || res == nil || !t.triggers[res.StatusCode] {
		return decision{}
	}
	if as.retries >= t.cfg.MaxRetries {
		return decision{reason: skipExhausted}
	}

	vals, ok := res.Header[HeaderRetryAfter]
	if !ok || len(vals) == 0 {
		return decision{reason: skipMissing}
	}
	raw := vals[0]
	v, perr := Parse(raw)
	if perr != nil {
		return decision{raw: raw, reason: skipMalformed}
	}

	wait := Resolve(v, t.clock.Now())
	if wait > t.cfg.MaxWait {
		wait = t.cfg.MaxWait
	}
	if !snap.Replayable() {
		return decision{wait: wait, raw: raw, reason: skipNotReplayable}
	}
	return decision{retry: true, wait: wait, raw: raw}
}

// send makes one attempt.
func (t *Transport) send(ctx context.Context, snap *Snapshot) (*http.Response, error) {
	if t.cfg.PerAttemptTimeout <= 0 {
		req, err := snap.Request(ctx)
		if err != nil {
			return nil, err
		}
		return t.rt.RoundTrip(req)
	}

	actx, cancel := context.WithTimeout(ctx, t.cfg.PerAttemptTimeout)
	req, err := snap.Request(actx)
	if err != nil {
		cancel()
		return nil, err
	}
	res, err := t.rt.RoundTrip(req)
	return bindCancel(res, cancel), err
}

// pause holds the request while its URL is under a remembered Retry-After
// deadline.
func (t *Transport) pause(ctx context.Context, method, key string, log zerolog.Logger, as *attemptState) error {
	d := t.gate.wait(key, t.clock.Now())
	if d <= 0 {
		return nil
	}
	if d > t.cfg.MaxWait {
		d = t.cfg.MaxWait
	}

	log.Debug().Dur("wait", d).Msg("holding request until remembered Retry-After deadline")
	t.metrics.recordPause(ctx, method)
	addPauseEvent(ctx, d)
	start := t.clock.Now()
	if err := t.clock.Sleep(ctx, d); err != nil {
		as.paused = t.clock.Now().Sub(start)
		return err
	}
	as.paused = d
	return nil
}

func (as *attemptState) report(ctx context.Context) {
	if r := reportFrom(ctx); r != nil {
		r.Retries = as.retries
		r.Waited = as.waited
		r.Paused = as.paused
	}
}

func drainAndClose(res *http.Response) {
	if res == nil || res.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, res.Body, maxDrain)
	_ = res.Body.Close()
}
