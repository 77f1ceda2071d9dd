package testutil

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/g960059/nfcbridge/internal/hostchannel"
	"github.com/g960059/nfcbridge/internal/hostproto"
)

// FakeTransport hands out FakeConns and records every open attempt.
type FakeTransport struct {
	mu      sync.Mutex
	openErr error
	opens   int
	conns   []*FakeConn
}

func (t *FakeTransport) Open(_ context.Context, sink hostchannel.Sink) (hostchannel.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.openErr != nil {
		return nil, t.openErr
	}
	c := &FakeConn{sink: sink}
	t.conns = append(t.conns, c)
	return c, nil
}

// FailOpens makes later opens fail with err; nil restores success.
func (t *FakeTransport) FailOpens(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

func (t *FakeTransport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *FakeTransport) Conns() []*FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FakeConn(nil), t.conns...)
}

// Last returns the most recently opened conn, or nil.
func (t *FakeTransport) Last() *FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// FakeConn records sent commands. Its host-side helpers deliver traffic
// synchronously through the sink, as a real reader goroutine would.
type FakeConn struct {
	sink hostchannel.Sink

	mu      sync.Mutex
	sent    []hostproto.Command
	closed  bool
	sendErr error
}

func (c *FakeConn) Send(cmd hostproto.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fake conn closed")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *FakeConn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *FakeConn) Sent() []hostproto.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hostproto.Command(nil), c.sent...)
}

// Actions lists sent commands as strings, e.g. "start-listening{readerIndex:0}".
func (c *FakeConn) Actions() []string {
	sent := c.Sent()
	out := make([]string, 0, len(sent))
	for _, cmd := range sent {
		out = append(out, cmd.String())
	}
	return out
}

// ClearSent forgets recorded commands.
func (c *FakeConn) ClearSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

func (c *FakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConn) Respond(resp hostproto.Response) {
	c.sink.Message(hostproto.Inbound{Response: resp})
}

func (c *FakeConn) RespondOK() {
	c.Respond(hostproto.Response{Success: true})
}

func (c *FakeConn) RespondReaders(readers ...string) {
	if readers == nil {
		readers = []string{}
	}
	c.Respond(hostproto.Response{Success: true, Readers: readers})
}

func (c *FakeConn) RespondVersion(version string) {
	c.Respond(hostproto.Response{Success: true, Version: &version})
}

func (c *FakeConn) RespondError(text string) {
	c.Respond(hostproto.Response{Success: false, Error: text})
}

func (c *FakeConn) Card(uid, uidType string) {
	c.sink.Message(hostproto.Inbound{
		Event: hostproto.EventCardDetected,
		Card:  hostproto.CardEvent{UID: uid, UIDType: uidType},
	})
}

func (c *FakeConn) HostError(text string) {
	c.sink.Message(hostproto.Inbound{Event: hostproto.EventError, ErrorText: text})
}

// HostClose simulates the host side going away. An empty reason is a clean
// close.
func (c *FakeConn) HostClose(reason string) {
	if reason == "" {
		c.sink.Closed(io.EOF)
		return
	}
	c.sink.Closed(&hostchannel.CloseError{Reason: reason})
}
