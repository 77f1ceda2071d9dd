package coordinator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/nfcbridge/internal/api"
	"github.com/g960059/nfcbridge/internal/clock"
	"github.com/g960059/nfcbridge/internal/hostchannel"
	"github.com/g960059/nfcbridge/internal/hostproto"
	"github.com/g960059/nfcbridge/internal/model"
	"github.com/g960059/nfcbridge/internal/testutil"
	"github.com/g960059/nfcbridge/internal/uidfmt"
)

type memPrefs struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemPrefs(kv ...string) *memPrefs {
	p := &memPrefs{values: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		p.values[kv[i]] = kv[i+1]
	}
	return p
}

func (p *memPrefs) GetPreference(_ context.Context, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	if !ok {
		return "", model.ErrNotFound
	}
	return v, nil
}

func (p *memPrefs) SetPreference(_ context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
	return nil
}

func (p *memPrefs) get(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[key]
}

type memHistory struct {
	mu    sync.Mutex
	reads []model.CardRead
}

func (h *memHistory) InsertCardRead(_ context.Context, read model.CardRead) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads = append(h.reads, read)
	return int64(len(h.reads)), nil
}

type pushRecorder struct {
	mu   sync.Mutex
	msgs []api.PushMessage
}

func (r *pushRecorder) Broadcast(msg api.PushMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *pushRecorder) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Action == action {
			n++
		}
	}
	return n
}

func (r *pushRecorder) last(action string) (api.PushMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].Action == action {
			return r.msgs[i], true
		}
	}
	return api.PushMessage{}, false
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	clk       *clock.Manual
	transport *testutil.FakeTransport
	prefs     *memPrefs
	history   *memHistory
	pushes    *pushRecorder
	logs      *syncBuffer
	c         *Coordinator
}

func newHarness(t *testing.T, prefs *memPrefs) *harness {
	t.Helper()
	if prefs == nil {
		prefs = newMemPrefs()
	}
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		clk:       clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		transport: &testutil.FakeTransport{},
		prefs:     prefs,
		history:   &memHistory{},
		pushes:    &pushRecorder{},
		logs:      &syncBuffer{},
	}
	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.c = New(Options{
		Transport:     h.transport,
		Preferences:   h.prefs,
		History:       h.history,
		Broadcaster:   h.pushes,
		Clock:         h.clk,
		Logger:        logger,
		ClientVersion: "1.0.0",
	})
	return h
}

func (h *harness) start() *testutil.FakeConn {
	h.t.Helper()
	require.NoError(h.t, h.c.Start(h.ctx))
	conn := h.transport.Last()
	require.NotNil(h.t, conn)
	return conn
}

func (h *harness) state() model.State {
	h.t.Helper()
	st, err := h.c.Snapshot(h.ctx)
	require.NoError(h.t, err)
	return st
}

func (h *harness) handle(req api.ActionRequest) api.ActionReply {
	h.t.Helper()
	reply, err := h.c.Handle(h.ctx, req)
	require.NoError(h.t, err)
	return reply
}

// listening brings the coordinator to an active session on a single reader.
func (h *harness) listening() *testutil.FakeConn {
	h.t.Helper()
	conn := h.start()
	conn.RespondReaders("ACR122U")
	require.True(h.t, h.state().IsListening)
	conn.ClearSent()
	return conn
}

func countActions(actions []string, want string) int {
	n := 0
	for _, a := range actions {
		if a == want {
			n++
		}
	}
	return n
}

func intPtr(v int) *int { return &v }

func TestSingleReaderScenario(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.start()
	conn.RespondVersion("1.0.0")
	conn.RespondReaders("ACR122U")

	assert.Equal(t, []string{"get-version", "list-readers", "start-listening{readerIndex:0}"}, conn.Actions())
	st := h.state()
	assert.True(t, st.IsListening)
	assert.Equal(t, 0, st.SelectedReaderIndex)
	assert.Equal(t, []string{"ACR122U"}, st.Readers)
	assert.True(t, st.Connected)
	assert.Equal(t, "1.0.0", st.HostVersion)
	assert.False(t, st.VersionMismatch)
	assert.Equal(t, "0", h.prefs.get(model.PrefSelectedReaderIndex), "lone reader is persisted")

	last, ok := h.pushes.last(api.PushStateUpdate)
	require.True(t, ok)
	require.NotNil(t, last.State)
	assert.True(t, last.State.IsListening)
	assert.Equal(t, 0, last.State.SelectedReaderIndex)
}

func TestSingleReaderClearsPendingError(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.start()
	conn.RespondError("No readers")
	require.Equal(t, "No readers", h.state().Error)

	conn.RespondReaders("ACR122U")
	st := h.state()
	assert.Empty(t, st.Error)
	assert.True(t, st.IsListening)
	assert.Equal(t, 0, st.SelectedReaderIndex)
}

func TestStoredSelectionIsUsed(t *testing.T) {
	h := newHarness(t, newMemPrefs(model.PrefSelectedReaderIndex, "1", model.PrefUIDFormat, "dash"))
	conn := h.start()
	st := h.state()
	assert.Equal(t, 1, st.SelectedReaderIndex)
	assert.Equal(t, uidfmt.Dash, st.UIDFormat)

	conn.RespondReaders("A", "B")
	assert.Contains(t, conn.Actions(), "start-listening{readerIndex:1}")
	assert.True(t, h.state().IsListening)
}

func TestInvalidStoredPreferencesAreIgnored(t *testing.T) {
	h := newHarness(t, newMemPrefs(model.PrefSelectedReaderIndex, "abc", model.PrefUIDFormat, "hex"))
	h.start()
	st := h.state()
	assert.Equal(t, model.NoReader, st.SelectedReaderIndex)
	assert.Equal(t, uidfmt.Default, st.UIDFormat)
	assert.Contains(t, h.logs.String(), "ignoring stored reader preference")
}

func TestMultipleReadersWithoutSelectionStayIdle(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.start()
	conn.RespondReaders("A", "B")

	assert.Equal(t, 0, countActions(conn.Actions(), "start-listening{readerIndex:0}"))
	assert.False(t, h.state().IsListening)
}

func TestStaleSelectionFallsBackToLoneReader(t *testing.T) {
	h := newHarness(t, newMemPrefs(model.PrefSelectedReaderIndex, "3"))
	conn := h.start()
	conn.RespondReaders("ACR122U")

	assert.Contains(t, conn.Actions(), "start-listening{readerIndex:0}")
	assert.Equal(t, "0", h.prefs.get(model.PrefSelectedReaderIndex))
}

func TestReadersVanishWhileListening(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.listening()

	conn.RespondReaders()
	conn.RespondReaders()

	assert.Equal(t, []string{"stop-listening"}, conn.Actions())
	st := h.state()
	assert.False(t, st.IsListening)
	assert.Empty(t, st.Readers)
}

func TestListeningImpliesReaders(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.start()
	sequence := [][]string{{"A"}, {}, {"A", "B"}, {}, {"A"}, {"A"}, {}, {"A", "B", "C"}}
	for _, readers := range sequence {
		conn.RespondReaders(readers...)
		st := h.state()
		if st.IsListening {
			assert.GreaterOrEqual(t, len(st.Readers), 1, "readers %v", readers)
		}
	}
}

func TestRepeatedErrorsAreDeduplicated(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.start()
	before := h.pushes.count(api.PushStateUpdate)

	for i := 0; i < 5; i++ {
		conn.HostError("Reader error")
	}

	assert.Equal(t, before+2, h.pushes.count(api.PushStateUpdate))
	assert.Equal(t, 2, strings.Count(h.logs.String(), `msg="host error"`))
	assert.Equal(t, 3, strings.Count(h.logs.String(), `msg="suppressed repeated host error"`))
	assert.Equal(t, "Reader error", h.state().Error)
}

func TestDifferentErrorResetsDedup(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.start()
	before := h.pushes.count(api.PushStateUpdate)

	conn.HostError("a")
	conn.HostError("a")
	conn.HostError("a")
	conn.HostError("b")
	conn.HostError("a")

	assert.Equal(t, before+4, h.pushes.count(api.PushStateUpdate))
	assert.Equal(t, "a", h.state().Error)
}

func TestReconnectResetsDedup(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.start()
	for i := 0; i < 3; i++ {
		conn.HostError("x")
	}
	conn.HostClose("")
	h.clk.Advance(2 * time.Second)
	next := h.transport.Last()
	require.NotSame(t, conn, next)

	before := h.pushes.count(api.PushStateUpdate)
	next.HostError("x")
	assert.Equal(t, before+1, h.pushes.count(api.PushStateUpdate))
}

func TestErrorWhileListeningStopsSession(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.listening()
	conn.HostError("Reader disconnected")

	assert.Equal(t, []string{"stop-listening"}, conn.Actions())
	st := h.state()
	assert.False(t, st.IsListening)
	assert.Equal(t, "Reader disconnected", st.Error)
	assert.True(t, h.c.watchdog.Active())
}

func TestProtocolErrorStopsSessionWithoutWatchdog(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.listening()
	conn.RespondError("Failed to start listening")

	assert.Equal(t, []string{"stop-listening"}, conn.Actions())
	st := h.state()
	assert.False(t, st.IsListening)
	assert.Equal(t, "Failed to start listening", st.Error)
	assert.True(t, st.Connected)
	assert.False(t, h.c.watchdog.Active())
}

func TestWatchdogRestartsWithinLatencyBound(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.listening()
	conn.HostError("Reader disconnected")
	conn.ClearSent()

	h.clk.Advance(2 * time.Second)
	assert.Equal(t, []string{"list-readers"}, conn.Actions())
	h.clk.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"list-readers", "start-listening{readerIndex:0}"}, conn.Actions())

	st := h.state()
	assert.True(t, st.IsListening)
	assert.Equal(t, 0, st.SelectedReaderIndex)
	assert.False(t, h.c.watchdog.Active())
	assert.Zero(t, h.c.dedup.Count())

	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, countActions(conn.Actions(), "list-readers"), "watchdog stopped after restart")
}

func TestWatchdogExpiresWithoutReader(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.listening()
	conn.HostError("Reader disconnected")
	conn.RespondReaders()
	conn.ClearSent()

	h.clk.Advance(30 * time.Second)
	actions := conn.Actions()
	assert.Equal(t, 14, countActions(actions, "list-readers"))
	assert.Zero(t, countActions(actions, "start-listening{readerIndex:0}"))
	assert.False(t, h.c.watchdog.Active())

	h.clk.Advance(time.Minute)
	assert.Equal(t, actions, conn.Actions(), "no enumeration after expiry")
}

func TestWatchdogFindsReaderAfterHostCrash(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.listening()
	conn.HostClose(hostchannel.ReasonHostExited)

	st := h.state()
	assert.Equal(t, hostchannel.ReasonHostExited, st.Error)
	assert.False(t, st.IsListening)
	require.True(t, h.c.watchdog.Active(), "a crash mid-session arms the watchdog")
	assert.Empty(t, conn.Actions(), "no stop written to a closed channel")

	// The first tick lands while the channel is still down and is skipped.
	h.clk.Advance(2 * time.Second)
	next := h.transport.Last()
	require.NotSame(t, conn, next)
	assert.Equal(t, []string{"get-version", "list-readers"}, next.Actions())
	assert.NotContains(t, h.state().Error, "Not connected")
	next.RespondReaders()
	next.ClearSent()

	h.clk.Advance(2 * time.Second)
	assert.Equal(t, []string{"list-readers"}, next.Actions())
	next.RespondReaders("ACR122U")

	st = h.state()
	assert.True(t, st.IsListening)
	assert.Equal(t, 0, st.SelectedReaderIndex)
	assert.Equal(t, 1, countActions(next.Actions(), "start-listening{readerIndex:0}"))
}

func TestReplyWithoutErrorStillBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.start()
	before := h.pushes.count(api.PushStateUpdate)
	conn.Respond(hostproto.Response{Success: false})
	assert.Equal(t, before+1, h.pushes.count(api.PushStateUpdate))
	assert.Empty(t, h.state().Error)
}

func TestWatchdogSingleInstance(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.listening()
	conn.HostError("Reader disconnected")
	require.True(t, h.c.watchdog.Active())
	assert.False(t, h.c.watchdog.Start())
	conn.ClearSent()

	h.clk.Advance(2 * time.Second)
	assert.Equal(t, 1, countActions(conn.Actions(), "list-readers"))
}

func TestWatchdogNotStartedForMultipleReaders(t *testing.T) {
	h := newHarness(t, newMemPrefs(model.PrefSelectedReaderIndex, "1"))
	conn := h.start()
	conn.RespondReaders("A", "B")
	require.True(t, h.state().IsListening)
	conn.HostError("Reader disconnected")
	assert.False(t, h.c.watchdog.Active())
}

func TestConnectFailureReportsNotInstalled(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.FailOpens(errors.New("exec: \"nfc-host\": executable file not found in $PATH"))
	require.NoError(t, h.c.Start(h.ctx))

	st := h.state()
	assert.True(t, st.NotInstalled)
	assert.Equal(t, hostchannel.MsgConnectFailed, st.Error)
	assert.False(t, st.Connected)
}

func TestHostMissingOnClose(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.listening()
	conn.HostClose("Specified native messaging host not found.")

	st := h.state()
	assert.True(t, st.NotInstalled)
	assert.Equal(t, hostchannel.MsgNotInstalled, st.Error)
	assert.False(t, st.IsListening)
	assert.Empty(t, conn.Actions(), "no stop written to a closed channel")
	assert.False(t, h.c.watchdog.Active())
	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, h.transport.Opens())
}

func TestFourClosesGiveThreeReconnects(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	for i := 0; i < 4; i++ {
		h.transport.Last().HostClose("")
		h.clk.Advance(2 * time.Second)
	}
	h.clk.Advance(time.Minute)
	assert.Equal(t, 4, h.transport.Opens())
	assert.False(t, h.state().Connected)
}

func TestVersionMismatch(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.start()
	conn.RespondVersion("0.9.0")
	st := h.state()
	assert.Equal(t, "0.9.0", st.HostVersion)
	assert.True(t, st.VersionMismatch)
	assert.Contains(t, h.logs.String(), "host version mismatch")
}

func TestCardDetected(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.listening()
	require.True(t, h.handle(api.ActionRequest{Action: api.ActionSetFormat, Format: "colon"}).Success)

	conn.Card("04a2b3c4", "ISO14443A")

	st := h.state()
	assert.Equal(t, "04a2b3c4", st.LastUID)
	assert.Equal(t, "ISO14443A", st.LastUIDType)

	fill, ok := h.pushes.last(api.PushFillUID)
	require.True(t, ok)
	assert.Equal(t, "04a2b3c4", fill.UID)
	assert.Equal(t, "colon", fill.Format)
	assert.Equal(t, "04:A2:B3:C4", fill.Formatted)

	require.Len(t, h.history.reads, 1)
	read := h.history.reads[0]
	assert.Equal(t, "ACR122U", read.ReaderName)
	assert.Equal(t, 0, read.ReaderIndex)
	assert.Equal(t, uidfmt.Colon, read.Format)
	assert.Equal(t, h.clk.Now().UTC(), read.ReadAt)
	assert.NotContains(t, h.logs.String(), "04a2b3c4", "uids are masked in logs")
}

func TestPushSequenceIsMonotonic(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.start()
	conn.RespondReaders("ACR122U")

	h.pushes.mu.Lock()
	defer h.pushes.mu.Unlock()
	require.NotEmpty(t, h.pushes.msgs)
	stream := h.pushes.msgs[0].StreamID
	for i, msg := range h.pushes.msgs {
		assert.Equal(t, int64(i+1), msg.Sequence)
		assert.Equal(t, stream, msg.StreamID)
	}
}

func TestShutdownStopsSession(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.listening()
	require.NoError(t, h.c.Shutdown(h.ctx))

	assert.Equal(t, []string{"stop-listening"}, conn.Actions())
	assert.True(t, conn.IsClosed())
	_, err := h.c.Handle(h.ctx, api.ActionRequest{Action: api.ActionGetState})
	assert.ErrorIs(t, err, ErrStopped)
}
