// Package hostchannel owns the duplex channel to the host process: it opens
// and closes it, forwards commands, dispatches inbound messages, and retries
// a bounded number of times when the host goes away.
//
// Every Manager method, and every Handler callback, runs on the owner's
// event loop. Transports deliver inbound traffic from their own goroutines
// through a Sink, and the Manager re-posts it onto the loop.
package hostchannel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/nfcbridge/internal/clock"
	"github.com/g960059/nfcbridge/internal/hostproto"
	"github.com/g960059/nfcbridge/internal/metrics"
)

const (
	DefaultStableAfter    = 5 * time.Second
	DefaultReconnectDelay = 2 * time.Second
	DefaultMaxReconnects  = 3
)

// ErrorEvent is an error surfaced by the channel or the host.
type ErrorEvent struct {
	Text         string
	NotInstalled bool
}

// Handler receives channel events. There is one method per event kind.
type Handler interface {
	OnConnected()
	OnDisconnected()
	OnError(ErrorEvent)
	OnResponse(hostproto.Response)
	OnCardDetected(hostproto.CardEvent)
}

// Sink receives inbound traffic for one opened connection. Closed is called
// at most once, after which the sink receives nothing.
type Sink interface {
	Message(in hostproto.Inbound)
	Closed(err error)
}

type Conn interface {
	Send(cmd hostproto.Command) error
	Close() error
}

type Transport interface {
	Open(ctx context.Context, sink Sink) (Conn, error)
}

// CloseError carries the diagnostic text reported when the host side closed.
type CloseError struct {
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// CloseReason extracts the close diagnostic from err. A plain EOF is a clean
// close and has no reason.
func CloseReason(err error) string {
	if err == nil {
		return ""
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	if errors.Is(err, io.EOF) {
		return ""
	}
	return err.Error()
}

type Options struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Recorder metrics.Recorder
	// Context bounds transport opens.
	Context        context.Context
	StableAfter    time.Duration
	ReconnectDelay time.Duration
	// MaxReconnects of zero uses DefaultMaxReconnects; negative disables
	// reconnection.
	MaxReconnects int
}

type Manager struct {
	transport Transport
	handler   Handler
	post      func(func()) bool

	clock          clock.Clock
	log            *slog.Logger
	rec            metrics.Recorder
	ctx            context.Context
	stableAfter    time.Duration
	reconnectDelay time.Duration
	maxReconnects  int

	conn           Conn
	connID         string
	notInstalled   bool
	retries        int
	stableTimer    clock.Timer
	reconnectTimer clock.Timer
}

// New builds a Manager. post must run the given function on the owner's
// event loop; it reports false once the loop has stopped.
func New(transport Transport, handler Handler, post func(func()) bool, opts Options) *Manager {
	m := &Manager{
		transport:      transport,
		handler:        handler,
		post:           post,
		clock:          opts.Clock,
		log:            opts.Logger,
		rec:            metrics.OrNoop(opts.Recorder),
		ctx:            opts.Context,
		stableAfter:    opts.StableAfter,
		reconnectDelay: opts.ReconnectDelay,
		maxReconnects:  opts.MaxReconnects,
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.ctx == nil {
		m.ctx = context.Background()
	}
	if m.stableAfter <= 0 {
		m.stableAfter = DefaultStableAfter
	}
	if m.reconnectDelay <= 0 {
		m.reconnectDelay = DefaultReconnectDelay
	}
	if m.maxReconnects == 0 {
		m.maxReconnects = DefaultMaxReconnects
	}
	if m.maxReconnects < 0 {
		m.maxReconnects = 0
	}
	return m
}

func (m *Manager) Connected() bool    { return m.conn != nil }
func (m *Manager) NotInstalled() bool { return m.notInstalled }
func (m *Manager) Retries() int       { return m.retries }
func (m *Manager) ConnID() string     { return m.connID }

// Connect opens the channel unless it is already open. A fresh (non-retry)
// call restores the full retry budget.
func (m *Manager) Connect(isRetry bool) {
	if m.conn != nil {
		m.log.Debug("already connected to host", "conn_id", m.connID)
		return
	}
	if !isRetry {
		m.retries = 0
		clock.Stop(m.reconnectTimer)
		m.reconnectTimer = nil
	}

	id := uuid.NewString()
	m.log.Info("connecting to host", "conn_id", id, "retry", isRetry, "attempt", m.retries)
	conn, err := m.transport.Open(m.ctx, &connSink{m: m, id: id})
	if err != nil {
		m.rec.IncConnect(metrics.ResultFailed)
		m.log.Error("failed to connect to host", "conn_id", id, "error", err)
		m.notInstalled = true
		m.handler.OnError(ErrorEvent{Text: MsgConnectFailed, NotInstalled: true})
		return
	}

	m.rec.IncConnect(metrics.ResultOK)
	m.conn = conn
	m.connID = id
	m.notInstalled = false
	clock.Stop(m.stableTimer)
	m.stableTimer = m.clock.AfterFunc(m.stableAfter, func() {
		m.post(func() {
			if m.conn != nil && m.connID == id {
				m.retries = 0
			}
		})
	})
	m.log.Info("connected to host", "conn_id", id)
	m.handler.OnConnected()
}

// Disconnect closes the channel. It is idempotent and cancels any pending
// reconnect.
func (m *Manager) Disconnect() {
	clock.Stop(m.stableTimer)
	m.stableTimer = nil
	clock.Stop(m.reconnectTimer)
	m.reconnectTimer = nil
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.log.Debug("close host channel", "conn_id", m.connID, "error", err)
		}
		m.log.Info("disconnected from host", "conn_id", m.connID)
	}
	m.conn = nil
	m.connID = ""
	m.handler.OnDisconnected()
}

// Send writes cmd to the host. Failures are reported through the handler,
// never to the caller.
func (m *Manager) Send(cmd hostproto.Command) {
	if m.conn == nil {
		m.log.Error("not connected to host", "command", cmd.String())
		m.handler.OnError(ErrorEvent{Text: MsgNotConnected, NotInstalled: m.notInstalled})
		return
	}
	m.rec.IncCommand(string(cmd.Action))
	if err := m.conn.Send(cmd); err != nil {
		m.log.Error("error sending to host", "conn_id", m.connID, "command", cmd.String(), "error", err)
		m.handler.OnError(ErrorEvent{Text: MsgSendFailed})
		return
	}
	m.log.Debug("sent command to host", "conn_id", m.connID, "command", cmd.String())
}

func (m *Manager) dispatch(id string, in hostproto.Inbound) {
	if m.conn == nil || id != m.connID {
		m.log.Debug("dropping message from stale connection", "conn_id", id)
		return
	}
	if !in.IsEvent() {
		m.handler.OnResponse(in.Response)
		return
	}
	switch in.Event {
	case hostproto.EventCardDetected:
		m.handler.OnCardDetected(in.Card)
	case hostproto.EventError:
		m.handler.OnError(ErrorEvent{Text: in.ErrorText})
	default:
		m.log.Debug("ignoring host event", "conn_id", id, "event", in.Event)
	}
}

func (m *Manager) handleClose(id string, reason string) {
	if m.conn == nil || id != m.connID {
		// Closed by us, or superseded by a newer connection.
		return
	}
	m.log.Info("host channel closed", "conn_id", id, "reason", reason)
	clock.Stop(m.stableTimer)
	m.stableTimer = nil
	// Release first so handlers see the channel as gone.
	if err := m.conn.Close(); err != nil {
		m.log.Debug("release closed host channel", "conn_id", id, "error", err)
	}
	m.conn = nil
	m.connID = ""

	switch ClassifyCloseReason(reason) {
	case CloseHostMissing:
		m.notInstalled = true
		m.handler.OnError(ErrorEvent{Text: MsgNotInstalled, NotInstalled: true})
	case CloseHostFailed:
		m.handler.OnError(ErrorEvent{Text: reason})
	}
	m.handler.OnDisconnected()

	switch {
	case m.notInstalled:
		m.log.Info("host not installed, not reconnecting")
	case m.retries < m.maxReconnects:
		m.retries++
		m.rec.IncReconnectScheduled()
		m.log.Info("scheduling reconnect", "attempt", m.retries, "max", m.maxReconnects, "delay", m.reconnectDelay)
		clock.Stop(m.reconnectTimer)
		m.reconnectTimer = m.clock.AfterFunc(m.reconnectDelay, func() {
			m.post(func() {
				m.reconnectTimer = nil
				m.Connect(true)
			})
		})
	default:
		m.log.Warn("reconnect attempts exhausted", "max", m.maxReconnects)
	}
}

type connSink struct {
	m  *Manager
	id string
}

func (s *connSink) Message(in hostproto.Inbound) {
	s.m.post(func() { s.m.dispatch(s.id, in) })
}

func (s *connSink) Closed(err error) {
	reason := CloseReason(err)
	s.m.post(func() { s.m.handleClose(s.id, reason) })
}
