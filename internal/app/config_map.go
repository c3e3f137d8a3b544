package app

import (
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/jobs"
	"castbot/internal/observability/tracing"
	"castbot/internal/storage"
	"castbot/internal/transport/telegram"
	logx "castbot/pkg/logx"
)

const defaultStoragePath = "./data/castbot.db"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Admin: logx.AdminConfig{
			Enabled:    l.Admin.Enabled,
			ChatID:     l.Admin.ChatID,
			MinLevel:   l.Admin.MinLevel,
			RatePerSec: l.Admin.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	t := cfg.Telegram
	return telegram.Config{
		Token:          strings.TrimSpace(t.Token),
		RatePerSec:     t.RatePerSec,
		ParseMode:      strings.TrimSpace(t.ParseMode),
		DisablePreview: t.DisablePreview,
		URL:            strings.TrimSpace(t.APIURL),
	}
}

func mapDispatchConfig(cfg *config.Config) (broadcast.Config, error) {
	d := cfg.Dispatch
	def := broadcast.DefaultConfig()

	batchDelay := def.BatchDelay
	if strings.TrimSpace(d.BatchDelay) != "" {
		// "0s" is a valid choice here: no pause between batches.
		v, err := config.ParseDurationField("dispatch.batch_delay", d.BatchDelay)
		if err != nil {
			return broadcast.Config{}, err
		}
		batchDelay = v
	}
	maxPause, err := config.ParseDurationOrDefault("dispatch.max_pause", d.MaxPause, def.MaxPause)
	if err != nil {
		return broadcast.Config{}, err
	}
	tick, err := config.ParseDurationOrDefault("dispatch.tick_interval", d.TickInterval, def.TickInterval)
	if err != nil {
		return broadcast.Config{}, err
	}
	markTimeout, err := config.ParseDurationOrDefault("dispatch.mark_timeout", d.MarkTimeout, def.MarkTimeout)
	if err != nil {
		return broadcast.Config{}, err
	}
	claimLease, err := config.ParseDurationOrDefault("dispatch.claim_lease", d.ClaimLease, def.ClaimLease)
	if err != nil {
		return broadcast.Config{}, err
	}
	claimRecheck, err := config.ParseDurationOrDefault("dispatch.claim_recheck", d.ClaimRecheck, def.ClaimRecheck)
	if err != nil {
		return broadcast.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("history.retention", cfg.History.Retention, def.Retention)
	if err != nil {
		return broadcast.Config{}, err
	}

	out := def
	out.BatchDelay = batchDelay
	out.MaxPause = maxPause
	out.TickInterval = tick
	out.MarkTimeout = markTimeout
	out.ClaimLease = claimLease
	out.ClaimRecheck = claimRecheck
	out.Retention = retention
	if d.BatchSize > 0 {
		out.BatchSize = d.BatchSize
	}
	if d.DurableWorkers > 0 {
		out.DurableWorkers = d.DurableWorkers
	}
	if d.FastPathMaxInflight > 0 {
		out.FastPathMaxInflight = d.FastPathMaxInflight
	}
	if s := strings.TrimSpace(cfg.History.PruneSchedule); s != "" {
		out.PruneSchedule = s
	}
	return out, nil
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	j := cfg.Jobs
	poll, err := config.ParseDurationField("jobs.poll_interval", j.PollInterval)
	if err != nil {
		return jobs.Config{}, err
	}
	lease, err := config.ParseDurationField("jobs.lease", j.Lease)
	if err != nil {
		return jobs.Config{}, err
	}
	handlerTimeout, err := config.ParseDurationField("jobs.handler_timeout", j.HandlerTimeout)
	if err != nil {
		return jobs.Config{}, err
	}
	base, err := config.ParseDurationField("jobs.retry_base", j.RetryBase)
	if err != nil {
		return jobs.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("jobs.retry_max_delay", j.RetryMaxDelay)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{
		PollInterval:   poll,
		Lease:          lease,
		HandlerTimeout: handlerTimeout,
		RetryMax:       j.RetryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = defaultStoragePath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapTracingConfig(cfg *config.Config) tracing.Config {
	t := cfg.Tracing
	return tracing.Config{
		Enabled:        t.Enabled,
		ServiceName:    t.ServiceName,
		ServiceVersion: t.ServiceVersion,
		Environment:    t.Environment,
		Exporter:       strings.ToLower(strings.TrimSpace(t.Exporter)),
		OTLPEndpoint:   t.OTLPEndpoint,
		OTLPInsecure:   t.OTLPInsecure,
		SampleRate:     t.SampleRate,
	}
}
