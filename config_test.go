package retryafter

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Minute, cfg.MaxWait)
	assert.Equal(t, []int{429, 503}, cfg.TriggerStatuses)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.False(t, cfg.FailOnNonReplayableBody)
	assert.Zero(t, cfg.PerAttemptTimeout)
	assert.False(t, cfg.URLPause)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "MaxRetries"},
		{"negative wait", func(c *Config) { c.MaxWait = -time.Second }, "MaxWait"},
		{"no triggers", func(c *Config) { c.TriggerStatuses = nil }, "TriggerStatuses"},
		{"bad trigger", func(c *Config) { c.TriggerStatuses = []int{429, 600} }, "TriggerStatuses[1]"},
		{"negative body", func(c *Config) { c.MaxBodyBytes = -1 }, "MaxBodyBytes"},
		{"negative timeout", func(c *Config) { c.PerAttemptTimeout = -1 }, "PerAttemptTimeout"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mod(&cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr))
			require.Len(t, cerr.Fields, 1)
			assert.Equal(t, tc.field, cerr.Fields[0].Field())
			assert.Contains(t, err.Error(), "retryafter: invalid configuration")

			var verrs validator.ValidationErrors
			assert.True(t, errors.As(err, &verrs))
		})
	}
}

func TestConfigZeroValuesAreValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.MaxWait = 0
	cfg.MaxBodyBytes = 0
	assert.NoError(t, cfg.Validate())
}

func TestOptions(t *testing.T) {
	tr, err := NewTransport(nil,
		WithMaxRetries(5),
		WithMaxWait(10*time.Second),
		WithTriggerStatuses(503),
		WithMaxBodyBytes(64),
		WithFailOnNonReplayableBody(true),
		WithPerAttemptTimeout(time.Second),
		WithURLPause(true),
	)
	require.NoError(t, err)

	cfg := tr.Config()
	assert.Equal(t, Config{
		MaxRetries:              5,
		MaxWait:                 10 * time.Second,
		TriggerStatuses:         []int{503},
		MaxBodyBytes:            64,
		FailOnNonReplayableBody: true,
		PerAttemptTimeout:       time.Second,
		URLPause:                true,
	}, cfg)

	// the returned config is a copy
	cfg.TriggerStatuses[0] = 500
	assert.Equal(t, []int{503}, tr.Config().TriggerStatuses)
}

func TestWithConfig(t *testing.T) {
	base := DefaultConfig()
	base.MaxRetries = 1
	tr, err := NewTransport(nil, WithConfig(base), WithMaxWait(time.Second))
	require.NoError(t, err)

	base.TriggerStatuses[0] = 500
	cfg := tr.Config()
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.MaxWait)
	assert.Equal(t, []int{429, 503}, cfg.TriggerStatuses)
}

func TestNewTransportInvalid(t *testing.T) {
	tr, err := NewTransport(nil, WithMaxRetries(-1))
	assert.Nil(t, tr)
	var cerr *ConfigError
	assert.True(t, errors.As(err, &cerr))

	mw, err := Middleware(WithTriggerStatuses())
	assert.Nil(t, mw)
	assert.True(t, errors.As(err, &cerr))
}

func TestLoadConfigDefaults(t *testing.T) {
	k := koanf.New(".")
	cfg, err := LoadConfig(k, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = LoadConfig(k, "http.retry_after")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverrides(t *testing.T) {
	k := koanf.New(".")
	require.NoError(t, k.Load(confmap.Provider(map[string]any{
		"http.retry_after.max_retries":         "5",
		"http.retry_after.max_wait":            "30s",
		"http.retry_after.trigger_statuses":    []any{503},
		"http.retry_after.per_attempt_timeout": "2s",
		"http.retry_after.url_pause":           true,
		"http.other":                           "ignored",
	}, "."), nil))

	cfg, err := LoadConfig(k, "http.retry_after")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.MaxWait)
	assert.Equal(t, []int{503}, cfg.TriggerStatuses)
	assert.Equal(t, int64(DefaultMaxBodyBytes), cfg.MaxBodyBytes)
	assert.Equal(t, 2*time.Second, cfg.PerAttemptTimeout)
	assert.True(t, cfg.URLPause)
	assert.False(t, cfg.FailOnNonReplayableBody)
}

func TestLoadConfigInvalid(t *testing.T) {
	k := koanf.New(".")
	require.NoError(t, k.Load(confmap.Provider(map[string]any{
		"max_retries": -2,
	}, "."), nil))

	_, err := LoadConfig(k, "")
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "MaxRetries", cerr.Fields[0].Field())
}
