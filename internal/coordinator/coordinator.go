// Package coordinator keeps the host channel and the listening session in
// line with the attached readers. All state lives on one serial loop: host
// events, timers and UI requests are posted onto it and never run
// concurrently.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/nfcbridge/internal/api"
	"github.com/g960059/nfcbridge/internal/clock"
	"github.com/g960059/nfcbridge/internal/hostchannel"
	"github.com/g960059/nfcbridge/internal/hostproto"
	"github.com/g960059/nfcbridge/internal/metrics"
	"github.com/g960059/nfcbridge/internal/model"
	"github.com/g960059/nfcbridge/internal/security"
	"github.com/g960059/nfcbridge/internal/uidfmt"
)

// PreferenceStore returns model.ErrNotFound for absent keys.
type PreferenceStore interface {
	GetPreference(ctx context.Context, key string) (string, error)
	SetPreference(ctx context.Context, key, value string) error
}

type CardRecorder interface {
	InsertCardRead(ctx context.Context, read model.CardRead) (int64, error)
}

// Broadcaster delivers push messages to UI surfaces. It must not block.
type Broadcaster interface {
	Broadcast(msg api.PushMessage)
}

type Options struct {
	Transport   hostchannel.Transport
	Preferences PreferenceStore
	History     CardRecorder
	Broadcaster Broadcaster
	Clock       clock.Clock
	Logger      *slog.Logger
	Recorder    metrics.Recorder
	// ClientVersion is compared with the host's get-version reply.
	ClientVersion string
	Channel       hostchannel.Options
	Watchdog      WatchdogOptions
	// StoreTimeout bounds each preference or history write.
	StoreTimeout time.Duration
}

type Coordinator struct {
	queue    *serialQueue
	clock    clock.Clock
	channel  *hostchannel.Manager
	state    *StateStore
	dedup    Deduplicator
	watchdog *Watchdog

	prefs         PreferenceStore
	history       CardRecorder
	bcast         Broadcaster
	log           *slog.Logger
	rec           metrics.Recorder
	clientVersion string
	storeTimeout  time.Duration

	streamID string
	seq      atomic.Int64
}

func New(opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	c := &Coordinator{
		queue:         newSerialQueue(log),
		clock:         clk,
		prefs:         opts.Preferences,
		history:       opts.History,
		bcast:         opts.Broadcaster,
		log:           log,
		rec:           metrics.OrNoop(opts.Recorder),
		clientVersion: opts.ClientVersion,
		storeTimeout:  opts.StoreTimeout,
		streamID:      uuid.NewString(),
	}
	if c.storeTimeout <= 0 {
		c.storeTimeout = 5 * time.Second
	}
	c.state = NewStateStore(model.DefaultState(), c.publishState, c.rec)

	chOpts := opts.Channel
	chOpts.Clock = clk
	chOpts.Logger = log
	chOpts.Recorder = c.rec
	c.channel = hostchannel.New(opts.Transport, hostHandler{c}, c.queue.post, chOpts)
	c.watchdog = NewWatchdog(clk, c.queue.post, log, c.rec, opts.Watchdog, c.pollReaders, c.tryRestart)
	return c
}

// Start loads preferences and opens the host channel.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.queue.do(ctx, func() {
		c.loadPreferences(ctx)
		c.channel.Connect(false)
	})
}

// Shutdown ends an active session, closes the channel and rejects further
// work.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	err := c.queue.do(ctx, func() {
		c.watchdog.Stop()
		if c.state.Snapshot().IsListening {
			c.channel.Send(hostproto.StopListening())
			c.state.Update(func(s *model.State) { s.IsListening = false })
		}
		c.channel.Disconnect()
	})
	c.queue.stop()
	return err
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot(ctx context.Context) (model.State, error) {
	return call(ctx, c.queue, c.state.Snapshot)
}

// Connected reports the channel state.
func (c *Coordinator) Connected(ctx context.Context) (bool, error) {
	return call(ctx, c.queue, c.channel.Connected)
}

func (c *Coordinator) loadPreferences(ctx context.Context) {
	if c.prefs == nil {
		return
	}
	var (
		selected = model.NoReader
		format   = uidfmt.Default
	)
	if raw, ok := c.getPreference(ctx, model.PrefSelectedReaderIndex); ok {
		idx, err := strconv.Atoi(raw)
		switch {
		case err != nil || idx < model.NoReader:
			c.log.Warn("ignoring stored reader preference", "value", raw)
		default:
			selected = idx
		}
	}
	if raw, ok := c.getPreference(ctx, model.PrefUIDFormat); ok {
		f, err := uidfmt.Parse(raw)
		if err != nil {
			c.log.Warn("ignoring stored uid format", "value", raw, "error", err)
		} else {
			format = f
		}
	}
	c.log.Info("loaded preferences", "reader_index", selected, "uid_format", format)
	c.state.Mutate(func(s *model.State) {
		s.SelectedReaderIndex = selected
		s.UIDFormat = format
	})
}

func (c *Coordinator) getPreference(ctx context.Context, key string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	raw, err := c.prefs.GetPreference(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return "", false
	}
	if err != nil {
		c.log.Warn("read preference", "key", key, "error", err)
		return "", false
	}
	return raw, true
}

func (c *Coordinator) setPreference(key, value string) {
	if c.prefs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()
	if err := c.prefs.SetPreference(ctx, key, value); err != nil {
		c.log.Warn("save preference", "key", key, "error", err)
	}
}

func (c *Coordinator) publishState(st model.State) {
	c.push(api.PushMessage{Action: api.PushStateUpdate, State: &st})
}

func (c *Coordinator) push(msg api.PushMessage) {
	if c.bcast == nil {
		return
	}
	msg.StreamID = c.streamID
	msg.Sequence = c.seq.Add(1)
	c.rec.IncBroadcast()
	c.bcast.Broadcast(msg)
}

// startSession marks listening on idx and tells the host.
func (c *Coordinator) startSession(idx int, persist bool) {
	c.log.Info("starting listening", "reader_index", idx)
	c.state.Mutate(func(s *model.State) {
		s.SelectedReaderIndex = idx
		s.IsListening = true
	})
	if persist {
		c.setPreference(model.PrefSelectedReaderIndex, strconv.Itoa(idx))
	}
	c.channel.Send(hostproto.StartListening(idx))
}

// pollReaders skips ticks while the channel is down so a pending reconnect
// does not produce a "Not connected" error per tick.
func (c *Coordinator) pollReaders() {
	if !c.channel.Connected() {
		c.log.Debug("watchdog poll skipped, host channel down")
		return
	}
	c.channel.Send(hostproto.ListReaders())
}

func (c *Coordinator) tryRestart() bool {
	st := c.state.Snapshot()
	if len(st.Readers) != 1 || st.IsListening {
		return false
	}
	c.dedup.Reset()
	c.startSession(0, false)
	return true
}

// hostHandler receives channel events on the loop.
type hostHandler struct {
	c *Coordinator
}

func (h hostHandler) OnConnected() {
	c := h.c
	c.dedup.Reset()
	c.state.Mutate(func(s *model.State) {
		s.Connected = true
		s.Error = ""
		s.NotInstalled = false
		s.IsListening = false
		s.HostVersion = ""
		s.VersionMismatch = false
	})
	c.channel.Send(hostproto.GetVersion())
	c.channel.Send(hostproto.ListReaders())
}

func (h hostHandler) OnDisconnected() {
	h.c.state.Mutate(func(s *model.State) {
		s.Connected = false
		s.IsListening = false
	})
}

func (h hostHandler) OnError(ev hostchannel.ErrorEvent) {
	h.c.handleError(ev.Text, ev.NotInstalled, true)
}

// handleError applies an error to the state. Repeated identical errors
// update state silently. An active session is always ended with an explicit
// stop.
func (c *Coordinator) handleError(text string, notInstalled, mayWatch bool) {
	suppress := c.dedup.Observe(text)
	c.rec.IncHostError(suppress)

	prev := c.state.Snapshot()
	apply := func(s *model.State) {
		s.Error = text
		s.NotInstalled = notInstalled
		s.IsListening = false
	}
	if suppress {
		c.log.Debug("suppressed repeated host error", "error", text, "count", c.dedup.Count())
		c.state.Update(apply)
	} else {
		c.log.Error("host error", "error", text, "not_installed", notInstalled)
		c.state.Mutate(apply)
	}

	if prev.IsListening && c.channel.Connected() {
		c.channel.Send(hostproto.StopListening())
	}
	// A host crash counts: the reconnect and the watchdog polls line up.
	if mayWatch && prev.IsListening && len(prev.Readers) == 1 && !notInstalled {
		c.watchdog.Start()
	}
}

func (h hostHandler) OnResponse(r hostproto.Response) {
	c := h.c
	if r.Version != nil {
		version := *r.Version
		mismatch := c.clientVersion != "" && version != c.clientVersion
		if mismatch {
			c.log.Warn("host version mismatch", "client_version", c.clientVersion, "host_version", version)
		}
		c.state.Mutate(func(s *model.State) {
			s.HostVersion = version
			s.VersionMismatch = mismatch
		})
		return
	}

	if !r.Success {
		if r.Error == "" {
			c.log.Debug("host reply without success or error", "message", r.Message)
			c.state.Broadcast()
			return
		}
		c.handleError(r.Error, false, false)
		return
	}

	if r.Message != "" {
		c.log.Info("host message", "message", r.Message)
	}
	if r.Readers == nil {
		c.state.Mutate(func(s *model.State) { s.Error = "" })
		return
	}

	st := c.state.Snapshot()
	decision := OnEnumeration(r.Readers, st.SelectedReaderIndex, st.IsListening)
	c.log.Debug("readers enumerated", "count", len(r.Readers), "decision", decision.Kind.String())
	switch decision.Kind {
	case ActionStart:
		c.state.Update(func(s *model.State) {
			s.Readers = append([]string{}, r.Readers...)
			s.Error = ""
		})
		c.startSession(decision.ReaderIndex, decision.Persist)
	case ActionStop:
		c.log.Info("no readers detected, stopping listening")
		c.state.Mutate(func(s *model.State) {
			s.Readers = []string{}
			s.Error = ""
			s.IsListening = false
		})
		c.channel.Send(hostproto.StopListening())
	default:
		c.state.Mutate(func(s *model.State) {
			s.Readers = append([]string{}, r.Readers...)
			s.Error = ""
		})
	}
}

func (h hostHandler) OnCardDetected(ev hostproto.CardEvent) {
	c := h.c
	c.rec.IncCardDetected()
	st := c.state.Snapshot()
	c.log.Info("card detected", "uid", security.MaskUID(ev.UID), "uid_type", ev.UIDType, "reader_index", st.SelectedReaderIndex)

	c.state.Mutate(func(s *model.State) {
		s.LastUID = ev.UID
		s.LastUIDType = ev.UIDType
	})
	c.recordRead(ev, st)
	c.push(api.PushMessage{
		Action:    api.PushFillUID,
		UID:       ev.UID,
		UIDType:   ev.UIDType,
		Format:    string(st.UIDFormat),
		Formatted: uidfmt.Apply(ev.UID, st.UIDFormat),
	})
}

func (c *Coordinator) recordRead(ev hostproto.CardEvent, st model.State) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()
	read := model.CardRead{
		UID:         ev.UID,
		UIDType:     ev.UIDType,
		ReaderIndex: st.SelectedReaderIndex,
		ReaderName:  st.SelectedReader(),
		Format:      st.UIDFormat,
		ReadAt:      c.clock.Now().UTC(),
	}
	if _, err := c.history.InsertCardRead(ctx, read); err != nil {
		c.log.Warn("record card read", "error", err)
	}
}
