package config

import (
	"sort"
	"strings"

	logx "castbot/pkg/logx"
)

// restartSections are read once at startup; changes are reported but not applied.
var restartSections = map[string]bool{
	"storage": true,
	"claims":  true,
	"tracing": true,
}

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens)
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.RatePerSec != nt.RatePerSec ||
		strings.TrimSpace(ot.ParseMode) != strings.TrimSpace(nt.ParseMode) ||
		ot.DisablePreview != nt.DisablePreview ||
		strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.rate_per_sec", nt.RatePerSec),
			logx.String("telegram.parse_mode", strings.TrimSpace(nt.ParseMode)),
			logx.Bool("telegram.disable_preview", nt.DisablePreview),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.admin_enabled", newCfg.Logging.Admin.Enabled),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.batch_size", d.BatchSize),
			logx.String("dispatch.batch_delay", strings.TrimSpace(d.BatchDelay)),
			logx.String("dispatch.tick_interval", strings.TrimSpace(d.TickInterval)),
			logx.Int("dispatch.durable_workers", d.DurableWorkers),
			logx.Int("dispatch.fastpath_max_inflight", d.FastPathMaxInflight),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		j := newCfg.Jobs
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.String("jobs.poll_interval", strings.TrimSpace(j.PollInterval)),
			logx.String("jobs.lease", strings.TrimSpace(j.Lease)),
			logx.Int("jobs.retry_max", j.RetryMax),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Claims (never log the redis password)
	oc, nc := oldCfg.Claims, newCfg.Claims
	if oc != nc {
		changed = append(changed, "claims")
		attrs = append(attrs,
			logx.String("claims.driver", ClaimsDriver(newCfg)),
			logx.Bool("claims.redis_addr_set", strings.TrimSpace(nc.Redis.Addr) != ""),
			logx.Bool("claims.redis_password_set", nc.Redis.Password != ""),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.retention", strings.TrimSpace(newCfg.History.Retention)),
			logx.String("history.prune_schedule", strings.TrimSpace(newCfg.History.PruneSchedule)),
		)
	}

	if oldCfg.Tracing != newCfg.Tracing {
		changed = append(changed, "tracing")
		attrs = append(attrs,
			logx.Bool("tracing.enabled", newCfg.Tracing.Enabled),
			logx.String("tracing.exporter", newCfg.Tracing.Exporter),
		)
	}

	sort.Strings(changed)
	restart := make([]string, 0, len(restartSections)+1)
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	if ot.Token != nt.Token || strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) {
		restart = append(restart, "telegram.token")
	}
	return changed, attrs, restart
}
