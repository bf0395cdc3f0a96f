package retryafter

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
)

// Defaults applied by NewTransport and LoadConfig.
const (
	// DefaultMaxRetries is the number of times a request is sent again after
	// its first attempt, so up to 4 attempts in total.
	DefaultMaxRetries = 3

	// DefaultMaxWait caps any single honored Retry-After wait.
	DefaultMaxWait = time.Minute

	// DefaultMaxBodyBytes is the largest request body buffered for replay.
	DefaultMaxBodyBytes = 1 << 20
)

// DefaultTriggerStatuses returns the status codes that make the Transport
// look at the Retry-After header: 429 (Too Many Requests) and 503 (Service
// Unavailable).
func DefaultTriggerStatuses() []int {
	return []int{http.StatusTooManyRequests, http.StatusServiceUnavailable}
}

// Config holds the retry settings of a Transport. The Transport keeps its
// own copy, so a Config can be modified after being passed to WithConfig.
type Config struct {
	// MaxRetries is the maximum number of retries for a single request. Zero
	// disables retries.
	MaxRetries int `koanf:"max_retries" validate:"gte=0"`

	// MaxWait is the ceiling applied to a Retry-After wait. A longer wait is
	// shortened to MaxWait, it does not prevent the retry. Zero means retry
	// immediately.
	MaxWait time.Duration `koanf:"max_wait" validate:"gte=0"`

	// TriggerStatuses lists the response status codes for which the
	// Retry-After header is honored.
	TriggerStatuses []int `koanf:"trigger_statuses" validate:"min=1,dive,gte=100,lte=599"`

	// MaxBodyBytes is the largest request body that is buffered so that it
	// can be sent again. A request with a larger body is sent once and never
	// retried.
	MaxBodyBytes int64 `koanf:"max_body_bytes" validate:"gte=0"`

	// FailOnNonReplayableBody makes RoundTrip return a *BodyReplayError
	// instead of the response when a retry is warranted but the body cannot
	// be sent again.
	FailOnNonReplayableBody bool `koanf:"fail_on_non_replayable_body"`

	// PerAttemptTimeout, if positive, bounds each attempt separately. The
	// request context still bounds the whole call, waits included.
	PerAttemptTimeout time.Duration `koanf:"per_attempt_timeout" validate:"gte=0"`

	// URLPause makes the Transport remember Retry-After deadlines per URL
	// and hold later requests to that URL until the deadline passes.
	URLPause bool `koanf:"url_pause"`
}

// DefaultConfig returns the configuration used when no option is given.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      DefaultMaxRetries,
		MaxWait:         DefaultMaxWait,
		TriggerStatuses: DefaultTriggerStatuses(),
		MaxBodyBytes:    DefaultMaxBodyBytes,
	}
}

var validate = validator.New()

// Validate checks that the configuration can be used. The returned error,
// if any, is a *ConfigError.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return &ConfigError{Fields: verrs}
		}
		return err
	}
	return nil
}

func (c Config) clone() Config {
	c.TriggerStatuses = append([]int(nil), c.TriggerStatuses...)
	return c
}

// ConfigError is returned for an invalid Config.
type ConfigError struct {
	Fields validator.ValidationErrors
}

func (e *ConfigError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, fe := range e.Fields {
		msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return "retryafter: invalid configuration: " + strings.Join(msgs, "; ")
}

func (e *ConfigError) Unwrap() error {
	return e.Fields
}

// LoadConfig reads a Config from the section at path of k (the whole of k if
// path is empty). Keys are the koanf tags of Config; missing keys keep their
// default value. Durations may be given as strings such as "30s".
func LoadConfig(k *koanf.Koanf, path string) (Config, error) {
	merged := koanf.New(".")
	if err := merged.Load(confmap.Provider(defaultConfigMap(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("retryafter: load defaults: %w", err)
	}

	src := k
	if path != "" {
		src = k.Cut(path)
	}
	if err := merged.Merge(src); err != nil {
		return Config{}, fmt.Errorf("retryafter: merge configuration: %w", err)
	}

	var cfg Config
	if err := merged.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("retryafter: unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfigMap() map[string]any {
	def := DefaultConfig()
	return map[string]any{
		"max_retries":                 def.MaxRetries,
		"max_wait":                    def.MaxWait.String(),
		"trigger_statuses":            def.TriggerStatuses,
		"max_body_bytes":              def.MaxBodyBytes,
		"fail_on_non_replayable_body": def.FailOnNonReplayableBody,
		"per_attempt_timeout":         def.PerAttemptTimeout.String(),
		"url_pause":                   def.URLPause,
	}
}

// An Option configures a Transport.
type Option func(*settings)

type settings struct {
	cfg   Config
	clock Clock
	log   zerolog.Logger
	meter metric.MeterProvider
}

// WithConfig replaces the whole configuration. Options given after it still
// apply on top of it.
func WithConfig(cfg Config) Option {
	return func(s *settings) { s.cfg = cfg.clone() }
}

// WithMaxRetries sets the maximum number of retries of a request.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.cfg.MaxRetries = n }
}

// WithMaxWait sets the ceiling applied to a single Retry-After wait.
func WithMaxWait(d time.Duration) Option {
	return func(s *settings) { s.cfg.MaxWait = d }
}

// WithTriggerStatuses sets the response status codes for which the
// Retry-After header is honored.
func WithTriggerStatuses(codes ...int) Option {
	return func(s *settings) { s.cfg.TriggerStatuses = append([]int(nil), codes...) }
}

// WithMaxBodyBytes sets the largest request body buffered for replay.
func WithMaxBodyBytes(n int64) Option {
	return func(s *settings) { s.cfg.MaxBodyBytes = n }
}

// WithFailOnNonReplayableBody sets Config.FailOnNonReplayableBody.
func WithFailOnNonReplayableBody(fail bool) Option {
	return func(s *settings) { s.cfg.FailOnNonReplayableBody = fail }
}

// WithPerAttemptTimeout sets Config.PerAttemptTimeout.
func WithPerAttemptTimeout(d time.Duration) Option {
	return func(s *settings) { s.cfg.PerAttemptTimeout = d }
}

// WithURLPause sets Config.URLPause.
func WithURLPause(enabled bool) Option {
	return func(s *settings) { s.cfg.URLPause = enabled }
}

// WithClock sets the clock used to read the time and to wait. Defaults to
// the wall clock.
func WithClock(c Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithLogger sets the logger. A logger attached to the request context with
// zerolog's WithContext takes precedence. Defaults to a disabled logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.log = l }
}

// WithMeterProvider sets the provider of the meter recording retry metrics.
// Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *settings) { s.meter = mp }
}
