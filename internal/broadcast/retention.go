package broadcast

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "castbot/pkg/logx"
)

var retentionParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (s *Service) newRetentionCron(cfg Config) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(retentionParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.PruneSchedule, func() { s.prune(context.Background()) }); err != nil {
		return nil, err
	}
	return c, nil
}

// prune drops history, finished jobs and claims older than the retention.
func (s *Service) prune(ctx context.Context) {
	if s.pruner == nil {
		return
	}
	cfg := s.config()
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-cfg.Retention)
	st, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.log.Warn("retention prune failed", logx.Err(err))
		return
	}
	s.log.Info("retention prune done",
		logx.Time("cutoff", cutoff),
		logx.Int64("history", st.History),
		logx.Int64("jobs", st.Jobs),
		logx.Int64("claims", st.Claims),
	)
}

// ValidateSchedule reports whether spec is a usable prune schedule.
func ValidateSchedule(spec string) error {
	_, err := retentionParser.Parse(spec)
	return err
}
