package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/g960059/nfcbridge/internal/config"
	"github.com/g960059/nfcbridge/internal/testutil"
)

func TestPurgeOnceDeletesExpiredReads(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	testutil.SeedCardReads(t, store, ctx, "04A2B3C4", now.Add(-40*24*time.Hour), now.Add(-time.Hour))

	logs := &bytes.Buffer{}
	purgeOnce(ctx, store, 30*24*time.Hour, now, slog.New(slog.NewTextHandler(logs, nil)))

	n, err := store.CountRows(ctx, "card_reads")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining read, got %d", n)
	}
	if !strings.Contains(logs.String(), "count=1") {
		t.Fatalf("expected purge log, got %q", logs.String())
	}
}

type failingPurger struct{}

func (failingPurger) PurgeCardReads(context.Context, time.Time) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestPurgeOnceLogsFailure(t *testing.T) {
	logs := &bytes.Buffer{}
	purgeOnce(context.Background(), failingPurger{}, time.Hour, time.Now(), slog.New(slog.NewTextHandler(logs, nil)))
	if !strings.Contains(logs.String(), "retention purge failed") {
		t.Fatalf("expected warning, got %q", logs.String())
	}
}

type countingPurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (p *countingPurger) PurgeCardReads(_ context.Context, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, cutoff)
	return 0, nil
}

func (p *countingPurger) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cutoffs)
}

func TestRetentionDisabled(t *testing.T) {
	p := &countingPurger{}
	r, err := startRetention(context.Background(), p, config.HistoryConfig{}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("start retention: %v", err)
	}
	r.Stop()
	if p.calls() != 0 {
		t.Fatalf("disabled retention touched the store %d times", p.calls())
	}
}

func TestRetentionRunsImmediatelyAndPeriodically(t *testing.T) {
	p := &countingPurger{}
	cfg := config.HistoryConfig{Retention: 24 * time.Hour, PurgeInterval: 50 * time.Millisecond}
	r, err := startRetention(context.Background(), p, cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("start retention: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for p.calls() < 2 {
		if time.Now().After(deadline) {
			r.Stop()
			t.Fatalf("expected repeated purges, got %d", p.calls())
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.Stop()

	after := p.calls()
	time.Sleep(150 * time.Millisecond)
	if p.calls() != after {
		t.Fatalf("purge ran after Stop: %d -> %d", after, p.calls())
	}
	p.mu.Lock()
	cutoff := p.cutoffs[0]
	p.mu.Unlock()
	if age := time.Since(cutoff); age < 23*time.Hour || age > 25*time.Hour {
		t.Fatalf("cutoff should be about one retention ago, got %v", age)
	}
}

func TestCoordinatorOptionsMapsTimings(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ClientVersion = "1.2.0"
	cfg.Timing.ReconnectDelay = 500 * time.Millisecond
	opts := coordinatorOptions(context.Background(), cfg, nil, nil, nil, slog.Default(), nil)
	if opts.Channel.ReconnectDelay != 500*time.Millisecond || opts.Channel.MaxReconnects != 3 {
		t.Fatalf("unexpected channel options: %+v", opts.Channel)
	}
	if opts.Watchdog.Timeout != 30*time.Second || opts.Watchdog.CheckDelay != 200*time.Millisecond {
		t.Fatalf("unexpected watchdog options: %+v", opts.Watchdog)
	}
	if opts.ClientVersion != "1.2.0" {
		t.Fatalf("client version not passed through")
	}

	cfg.Timing.MaxReconnects = 0
	if got := coordinatorOptions(context.Background(), cfg, nil, nil, nil, slog.Default(), nil).Channel.MaxReconnects; got != -1 {
		t.Fatalf("zero max_reconnects should disable reconnection, got %d", got)
	}
}

func TestSetLevel(t *testing.T) {
	v := new(slog.LevelVar)
	setLevel(v, "warn", false)
	if v.Level() != slog.LevelWarn {
		t.Fatalf("expected warn, got %v", v.Level())
	}
	setLevel(v, "warn", true)
	if v.Level() != slog.LevelDebug {
		t.Fatalf("verbose should force debug, got %v", v.Level())
	}
}
