package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"castbot/internal/broadcast"
	"castbot/internal/claims"
	"castbot/internal/config"
	"castbot/internal/eventbus"
	"castbot/internal/jobs"
	"castbot/internal/observability/tracing"
	"castbot/internal/runtime/supervisor"
	"castbot/internal/storage"
	"castbot/internal/transport/telegram"
	logx "castbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store  *storage.SQLite
	redis  *claims.RedisStore
	tg     *telegram.Adapter
	jobs   *jobs.Service
	bcast  *broadcast.Service
	tracer *tracing.Manager
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	tg, err := telegram.New(mapTelegramConfig(cfg), bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), tg)
	a := &App{
		cfgm:   cfgm,
		log:    log.With(logx.String("comp", "app")),
		logs:   logSvc,
		bus:    eventbus.New(),
		tg:     tg,
		tracer: tracing.NewManager(mapTracingConfig(cfg), log),
	}
	if err := a.wire(cfg, log); err != nil {
		a.closeStores()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = st

	var claimStore broadcast.ClaimStore = st
	if config.ClaimsDriver(cfg) == config.ClaimsRedis {
		rs, err := openRedisClaims(cfg)
		if err != nil {
			return err
		}
		a.redis = rs
		claimStore = rs
	}
	a.log.Info("storage ready",
		logx.String("path", sc.Path),
		logx.String("claims", config.ClaimsDriver(cfg)),
	)

	jc, err := mapJobsConfig(cfg)
	if err != nil {
		return err
	}
	a.jobs = jobs.New(jc, st, log.With(logx.String("comp", "jobs")), a.bus)

	bc, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.bcast, err = broadcast.New(bc, broadcast.Deps{
		Transport: a.tg,
		Accounts:  st,
		Claims:    claimStore,
		History:   st,
		Jobs:      a.jobs,
		Pruner:    st,
		Bus:       a.bus,
		Tracer:    a.tracer.Tracer("castbot/broadcast"),
	}, log)
	return err
}

func openRedisClaims(cfg *config.Config) (*claims.RedisStore, error) {
	rc := cfg.Claims.Redis
	ttl, err := config.ParseDurationField("claims.redis.ttl", rc.TTL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(rc.Addr),
		Password: rc.Password,
		DB:       rc.DB,
	})
	rs := claims.NewRedisStore(rdb, rc.Prefix, ttl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close()
		return nil, fmt.Errorf("claims redis ping %s: %w", rc.Addr, err)
	}
	return rs, nil
}

// Broadcast exposes the intake API to the admin surface.
func (a *App) Broadcast() *broadcast.Service { return a.bcast }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapJobsConfig(cfg); err != nil {
			return err
		}
		if s := strings.TrimSpace(cfg.History.PruneSchedule); s != "" {
			if err := broadcast.ValidateSchedule(s); err != nil {
				return fmt.Errorf("history.prune_schedule: %w", err)
			}
		}
		return nil
	})

	if err := a.tracer.Init(a.sup.Context()); err != nil {
		// Tracing is diagnostics only; dispatch runs on the no-op tracer.
		a.log.Warn("tracing init failed", logx.Err(err))
	}

	// Broadcast first: recovery reloads the working pool before durable
	// workers begin claiming.
	if err := a.bcast.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.jobs.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the fast path and workers stop picking new work.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := runStep(ctx, a.log, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// Durable workers before the broadcast service: their in-flight
	// dispatches may still queue MarkUnreachable calls that Stop waits on.
	step("jobs", 5*time.Second, a.jobs.Stop)
	step("broadcast", 5*time.Second, a.bcast.Stop)
	step("tracing", 5*time.Second, a.tracer.Shutdown)
	step("stores", 2*time.Second, func(context.Context) error { return a.closeStores() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// runStep runs one shutdown step bounded by max and the caller's deadline.
// A step that overruns is left running and its late completion is logged.
func runStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return err
		}
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)),
			)
		}()
		return stepCtx.Err()
	}
}
