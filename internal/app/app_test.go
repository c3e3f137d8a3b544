package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	logx "castbot/pkg/logx"
)

func TestMapDispatchConfigDefaults(t *testing.T) {
	bc, err := mapDispatchConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, broadcast.DefaultConfig(), bc)
}

func TestMapDispatchConfigOverrides(t *testing.T) {
	cfg := &config.Config{
		Dispatch: config.DispatchConfig{
			BatchSize:      50,
			BatchDelay:     "0s",
			TickInterval:   "25ms",
			DurableWorkers: 8,
			ClaimLease:     "90s",
			ClaimRecheck:   "5s",
		},
		History: config.HistoryConfig{Retention: "48h", PruneSchedule: "@hourly"},
	}
	bc, err := mapDispatchConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 50, bc.BatchSize)
	assert.Equal(t, time.Duration(0), bc.BatchDelay)
	assert.Equal(t, 25*time.Millisecond, bc.TickInterval)
	assert.Equal(t, 8, bc.DurableWorkers)
	assert.Equal(t, 90*time.Second, bc.ClaimLease)
	assert.Equal(t, 5*time.Second, bc.ClaimRecheck)
	assert.Equal(t, 48*time.Hour, bc.Retention)
	assert.Equal(t, "@hourly", bc.PruneSchedule)

	cfg.Dispatch.MaxPause = "later"
	_, err = mapDispatchConfig(cfg)
	assert.ErrorContains(t, err, "dispatch.max_pause")

	cfg.Dispatch.MaxPause = ""
	cfg.Dispatch.ClaimLease = "forever"
	_, err = mapDispatchConfig(cfg)
	assert.ErrorContains(t, err, "dispatch.claim_lease")
}

func TestMapJobsAndStorage(t *testing.T) {
	cfg := &config.Config{
		Jobs:    config.JobsConfig{PollInterval: "2s", Lease: "10m", RetryMax: 4},
		Storage: config.StorageConfig{BusyTimeout: "3s"},
	}
	jc, err := mapJobsConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, jc.PollInterval)
	assert.Equal(t, 10*time.Minute, jc.Lease)
	assert.Equal(t, 4, jc.RetryMax)

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, defaultStoragePath, sc.Path)
	assert.Equal(t, 3*time.Second, sc.BusyTimeout)
}

func TestMapLoggingAndTelegram(t *testing.T) {
	cfg := &config.Config{
		Telegram: config.TelegramConfig{Token: " 1:x ", RatePerSec: 10, APIURL: "http://localhost:8081"},
		Logging: config.LoggingConfig{
			Level: "debug",
			Admin: config.LoggingAdmin{Enabled: true, ChatID: "-100", RatePerSec: 2},
		},
	}
	tc := mapTelegramConfig(cfg)
	assert.Equal(t, "1:x", tc.Token)
	assert.Equal(t, 10, tc.RatePerSec)
	assert.Equal(t, "http://localhost:8081", tc.URL)

	lc := mapLoggingConfig(cfg)
	assert.Equal(t, "debug", lc.Level)
	assert.True(t, lc.Admin.Enabled)
	assert.Equal(t, "-100", lc.Admin.ChatID)
}

func TestRunStep(t *testing.T) {
	log := logx.Nop()

	err := runStep(context.Background(), log, "ok", time.Second, func(context.Context) error { return nil })
	assert.NoError(t, err)

	boom := errors.New("boom")
	err = runStep(context.Background(), log, "fails", time.Second, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = runStep(context.Background(), log, "panics", time.Second, func(context.Context) error { panic("x") })
	assert.ErrorContains(t, err, "panic in stop step panics")

	release := make(chan struct{})
	defer close(release)
	err = runStep(context.Background(), log, "slow", 20*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	expired, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	err = runStep(expired, log, "late", time.Second, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
