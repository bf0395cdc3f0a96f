package retryafter

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HeaderRetryAfter is the canonical name of the response header honored by
// the Transport.
const HeaderRetryAfter = "Retry-After"

// MaxDelaySeconds is the largest delta-seconds value accepted by Parse. It is
// the largest number of seconds that can be represented as a time.Duration.
const MaxDelaySeconds = math.MaxInt64 / int64(time.Second)

var (
	// ErrMalformed is returned (wrapped in a *ParseError) when a Retry-After
	// value is neither delta-seconds nor an HTTP-date.
	ErrMalformed = errors.New("retryafter: malformed Retry-After value")

	// ErrOverflow is returned (wrapped in a *ParseError) when a delta-seconds
	// value is larger than MaxDelaySeconds.
	ErrOverflow = errors.New("retryafter: Retry-After delay overflows")
)

// ParseError records a Retry-After value that could not be parsed. Err is
// either ErrMalformed or ErrOverflow.
type ParseError struct {
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Value)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Kind identifies which of the two Retry-After forms a Value holds.
type Kind int

// List of Retry-After value kinds.
const (
	// DelaySeconds is the delta-seconds form, e.g. "120".
	DelaySeconds Kind = iota + 1
	// AbsoluteTime is the HTTP-date form, e.g. "Sun, 06 Nov 1994 08:49:37 GMT".
	AbsoluteTime
)

func (k Kind) String() string {
	switch k {
	case DelaySeconds:
		return "delay-seconds"
	case AbsoluteTime:
		return "http-date"
	default:
		return "invalid"
	}
}

// Value is a parsed Retry-After header value. The zero Value is invalid and
// resolves to a zero wait. Values are only produced by Parse.
type Value struct {
	kind    Kind
	seconds int64
	at      time.Time
}

// Kind returns the form of the value.
func (v Value) Kind() Kind {
	return v.kind
}

// Seconds returns the delay in seconds, and true if v is a DelaySeconds value.
func (v Value) Seconds() (int64, bool) {
	return v.seconds, v.kind == DelaySeconds
}

// Time returns the instant, in UTC, and true if v is an AbsoluteTime value.
func (v Value) Time() (time.Time, bool) {
	return v.at, v.kind == AbsoluteTime
}

// String returns the value in its wire form.
func (v Value) String() string {
	switch v.kind {
	case DelaySeconds:
		return strconv.FormatInt(v.seconds, 10)
	case AbsoluteTime:
		return v.at.Format(http.TimeFormat)
	default:
		return ""
	}
}

// Parse parses the raw value of a Retry-After header.
//
// A value made only of ASCII digits is a delay in seconds; anything else is
// parsed as an HTTP-date, accepting the IMF-fixdate form and the two obsolete
// forms recipients are required to accept (RFC 850 and asctime). Optional
// whitespace around the value is ignored. The returned error is always a
// *ParseError.
func Parse(raw string) (Value, error) {
	s := strings.Trim(raw, " \t")
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n > MaxDelaySeconds {
			// only a range error is possible here
			return Value{}, &ParseError{Value: raw, Err: ErrOverflow}
		}
		return Value{kind: DelaySeconds, seconds: n}, nil
	}

	t, err := http.ParseTime(s)
	if err != nil {
		return Value{}, &ParseError{Value: raw, Err: ErrMalformed}
	}
	return Value{kind: AbsoluteTime, at: t.UTC()}, nil
}

// Resolve returns how long to wait for v, as seen at instant now. A
// DelaySeconds value resolves to exactly that many seconds; an AbsoluteTime
// value resolves to the time remaining until that instant, or 0 if it is
// already past. The result is never negative.
func Resolve(v Value, now time.Time) time.Duration {
	switch v.kind {
	case DelaySeconds:
		return time.Duration(v.seconds) * time.Second
	case AbsoluteTime:
		if d := v.at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
