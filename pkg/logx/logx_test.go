package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(b), &m))
	return m
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	assert.NotPanics(t, func() {
		l.Info("nothing", String("k", "v"))
		l.With(Int("n", 1)).Error("still nothing", Err(errors.New("x")))
	})
}

func TestWithFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	l := NewFrom(zerolog.New(&buf)).With(String("comp", "broadcast"))

	l.Warn("batch failed", Int("size", 10), Err(errors.New("boom")), Duration("took", time.Second))

	m := decodeLine(t, buf.Bytes())
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "batch failed", m["message"])
	assert.Equal(t, "broadcast", m["comp"])
	assert.EqualValues(t, 10, m["size"])
	assert.Equal(t, "boom", m[zerolog.ErrorFieldName])
	assert.True(t, strings.HasPrefix(m["caller"].(string), "logx_test.go:"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewFrom(zerolog.New(&buf).Level(zerolog.WarnLevel))

	l.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, l.Enabled(LevelInfo))
	assert.True(t, l.Enabled(LevelError))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel(" debug ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("WARNING", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud", zerolog.InfoLevel))
}

func TestServiceFileSinkAndApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "castbot.log")

	svc, l := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	defer svc.Close()

	l.Debug("dropped at info")
	l.Info("kept", String("id", "m1"))

	// Logger values derived earlier follow Apply.
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	l.Debug("now visible")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.NotContains(t, out, "dropped at info")
	assert.Contains(t, out, `"id":"m1"`)
	assert.Contains(t, out, "now visible")
}

type recordingSender struct {
	mu    sync.Mutex
	to    []string
	lines []string
}

func (r *recordingSender) SendText(_ context.Context, to, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = append(r.to, to)
	r.lines = append(r.lines, text)
	return nil
}

func (r *recordingSender) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.to...), append([]string(nil), r.lines...)
}

func TestAdminSinkForwardsWarnings(t *testing.T) {
	rs := &recordingSender{}
	svc, l := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "x.log")},
		Admin: AdminConfig{Enabled: true, ChatID: "-1001", MinLevel: "warn", RatePerSec: 100},
	}, rs)
	defer svc.Close()

	l.Info("routine")
	l.Warn("durable enqueue failed", String("id", "m1"))

	require.Eventually(t, func() bool {
		_, lines := rs.snapshot()
		return len(lines) == 1
	}, 2*time.Second, 10*time.Millisecond)

	to, lines := rs.snapshot()
	assert.Equal(t, "-1001", to[0])
	assert.True(t, strings.HasPrefix(lines[0], "[WARN] durable enqueue failed"))
	assert.Contains(t, lines[0], "- id=m1")
}

func TestFormatAdminLine(t *testing.T) {
	line := formatAdminLine([]byte(`{"level":"error","time":"t","message":"boom","b":2,"a":"x"}`))
	assert.Equal(t, "[ERROR] boom\n- a=x\n- b=2", line)

	assert.Equal(t, "not json", formatAdminLine([]byte("not json\n")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
