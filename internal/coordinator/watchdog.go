package coordinator

import (
	"log/slog"
	"time"

	"github.com/g960059/nfcbridge/internal/clock"
	"github.com/g960059/nfcbridge/internal/metrics"
)

const (
	DefaultWatchdogInterval   = 2 * time.Second
	DefaultWatchdogCheckDelay = 200 * time.Millisecond
	DefaultWatchdogTimeout    = 30 * time.Second
)

// Watchdog polls for a lost reader after a mid-session error. Each interval it
// calls poll, then after checkDelay calls tryRestart; it stops once tryRestart
// reports success or after timeout. Only one run is active at a time.
type Watchdog struct {
	clock      clock.Clock
	post       func(func()) bool
	log        *slog.Logger
	rec        metrics.Recorder
	interval   time.Duration
	checkDelay time.Duration
	timeout    time.Duration

	poll       func()
	tryRestart func() bool

	active bool
	run    uint64
	tick   clock.Timer
	check  clock.Timer
	expiry clock.Timer
}

type WatchdogOptions struct {
	Interval   time.Duration
	CheckDelay time.Duration
	Timeout    time.Duration
}

func NewWatchdog(clk clock.Clock, post func(func()) bool, log *slog.Logger, rec metrics.Recorder, opts WatchdogOptions, poll func(), tryRestart func() bool) *Watchdog {
	w := &Watchdog{
		clock:      clk,
		post:       post,
		log:        log,
		rec:        metrics.OrNoop(rec),
		interval:   opts.Interval,
		checkDelay: opts.CheckDelay,
		timeout:    opts.Timeout,
		poll:       poll,
		tryRestart: tryRestart,
	}
	if w.interval <= 0 {
		w.interval = DefaultWatchdogInterval
	}
	if w.checkDelay <= 0 {
		w.checkDelay = DefaultWatchdogCheckDelay
	}
	if w.timeout <= 0 {
		w.timeout = DefaultWatchdogTimeout
	}
	return w
}

func (w *Watchdog) Active() bool {
	return w.active
}

// Start begins a run. It reports false if one is already active.
func (w *Watchdog) Start() bool {
	if w.active {
		return false
	}
	w.active = true
	w.run++
	run := w.run
	w.rec.IncWatchdog(metrics.WatchdogStarted)
	w.log.Info("reader lost during session, watching for it to return", "timeout", w.timeout)
	// Expiry is armed before the first tick so it wins a tie at the deadline.
	w.expiry = w.clock.AfterFunc(w.timeout, w.onLoop(run, func() {
		w.log.Info("reader watchdog expired")
		w.rec.IncWatchdog(metrics.WatchdogExpired)
		w.Stop()
	}))
	w.scheduleTick(run)
	return true
}

// Stop cancels every pending timer of the active run.
func (w *Watchdog) Stop() {
	clock.Stop(w.tick)
	clock.Stop(w.check)
	clock.Stop(w.expiry)
	w.tick, w.check, w.expiry = nil, nil, nil
	w.active = false
}

func (w *Watchdog) scheduleTick(run uint64) {
	w.tick = w.clock.AfterFunc(w.interval, w.onLoop(run, func() {
		w.poll()
		w.check = w.clock.AfterFunc(w.checkDelay, w.onLoop(run, func() {
			if w.tryRestart() {
				w.log.Info("reader returned, session restarted")
				w.rec.IncWatchdog(metrics.WatchdogRestarted)
				w.Stop()
			}
		}))
		w.scheduleTick(run)
	}))
}

// onLoop wraps fn to run on the coordinator loop, and only while run is the
// active run.
func (w *Watchdog) onLoop(run uint64, fn func()) func() {
	return func() {
		w.post(func() {
			if !w.active || w.run != run {
				return
			}
			fn()
		})
	}
}
