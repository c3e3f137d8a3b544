package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FieldError points at the config key that failed validation.
type FieldError struct {
	Path string
	Err  error
}

func (e *FieldError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }

func fieldErr(path, format string, args ...any) error {
	return &FieldError{Path: path, Err: fmt.Errorf(format, args...)}
}

// ParseDurationField parses a Go duration string. Blank means 0; negative
// values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, &FieldError{Path: path, Err: err}
	case d < 0:
		return 0, fieldErr(path, "duration %q is negative", raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for blank
// or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		d = def
	}
	return d, nil
}

// Validate checks field syntax only: durations parse, enums are known and
// counts are non-negative. It does not dial Redis or open the database.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fieldErr(path, "must be >= 0"))
		}
	}

	nonNeg("telegram.rate_per_sec", cfg.Telegram.RatePerSec)
	switch strings.TrimSpace(cfg.Telegram.ParseMode) {
	case "", "HTML", "Markdown", "MarkdownV2":
	default:
		errs = append(errs, fieldErr("telegram.parse_mode", "unknown mode %q", cfg.Telegram.ParseMode))
	}

	if cfg.Logging.Admin.Enabled && strings.TrimSpace(cfg.Logging.Admin.ChatID) == "" {
		errs = append(errs, fieldErr("logging.admin.chat_id", "required when the admin sink is enabled"))
	}
	nonNeg("logging.admin.rate_per_sec", cfg.Logging.Admin.RatePerSec)

	d := cfg.Dispatch
	nonNeg("dispatch.batch_size", d.BatchSize)
	nonNeg("dispatch.durable_workers", d.DurableWorkers)
	nonNeg("dispatch.fastpath_max_inflight", d.FastPathMaxInflight)
	dur("dispatch.batch_delay", d.BatchDelay)
	dur("dispatch.max_pause", d.MaxPause)
	dur("dispatch.tick_interval", d.TickInterval)
	dur("dispatch.mark_timeout", d.MarkTimeout)
	dur("dispatch.claim_lease", d.ClaimLease)
	dur("dispatch.claim_recheck", d.ClaimRecheck)

	j := cfg.Jobs
	nonNeg("jobs.retry_max", j.RetryMax)
	dur("jobs.poll_interval", j.PollInterval)
	dur("jobs.lease", j.Lease)
	dur("jobs.handler_timeout", j.HandlerTimeout)
	dur("jobs.retry_base", j.RetryBase)
	dur("jobs.retry_max_delay", j.RetryMaxDelay)

	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch ClaimsDriver(cfg) {
	case ClaimsSQLite:
	case ClaimsRedis:
		if strings.TrimSpace(cfg.Claims.Redis.Addr) == "" {
			errs = append(errs, fieldErr("claims.redis.addr", "required for driver redis (or set %s)", EnvRedisAddr))
		}
		nonNeg("claims.redis.db", cfg.Claims.Redis.DB)
		dur("claims.redis.ttl", cfg.Claims.Redis.TTL)
	default:
		errs = append(errs, fieldErr("claims.driver", "unknown driver %q", cfg.Claims.Driver))
	}

	dur("history.retention", cfg.History.Retention)

	if cfg.Tracing.Enabled {
		switch strings.ToLower(strings.TrimSpace(cfg.Tracing.Exporter)) {
		case "", "stdout", "otlp":
		default:
			errs = append(errs, fieldErr("tracing.exporter", "unknown exporter %q", cfg.Tracing.Exporter))
		}
		if r := cfg.Tracing.SampleRate; r < 0 || r > 1 {
			errs = append(errs, fieldErr("tracing.sample_rate", "must be within [0,1]"))
		}
	}
	return errors.Join(errs...)
}

// ClaimsDriver returns the normalized claims driver, defaulting to sqlite.
func ClaimsDriver(cfg *Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Claims.Driver))
	if d == "" {
		return ClaimsSQLite
	}
	return d
}
