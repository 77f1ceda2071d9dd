package hostchannel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/g960059/nfcbridge/internal/hostproto"
	"github.com/g960059/nfcbridge/internal/security"
)

// ReasonHostExited is the close reason for a host that exited with a
// non-zero status.
const ReasonHostExited = "Native host has exited."

// ProcessTransport runs the host executable and talks to it over stdio.
type ProcessTransport struct {
	Path     string
	Args     []string
	Framing  hostproto.Framing
	MaxFrame int
	Logger   *slog.Logger
}

func (t *ProcessTransport) Open(ctx context.Context, sink Sink) (Conn, error) {
	if t.Path == "" {
		return nil, errors.New("host path is empty")
	}
	codec, err := hostproto.NewCodec(t.Framing, t.MaxFrame)
	if err != nil {
		return nil, err
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, t.Path, t.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("host stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("host stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("host stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start host %s: %w", t.Path, err)
	}

	c := &processConn{
		cmd:    cmd,
		stdin:  stdin,
		codec:  codec,
		cancel: cancel,
		log:    logger.With("host_pid", cmd.Process.Pid),
		stderr: &tailBuffer{max: security.MaxDiagnostic},
	}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(c.stderr, stderr)
	}()
	go c.readLoop(bufio.NewReader(stdout), sink, stderrDone)
	return c, nil
}

type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	codec  hostproto.Codec
	cancel context.CancelFunc
	log    *slog.Logger
	stderr *tailBuffer

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *processConn) Send(cmd hostproto.Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return hostproto.WriteCommand(c.codec, c.stdin, cmd)
}

// Close stops the host. It does not wait for the reader, which may be the
// caller's own goroutine.
func (c *processConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stdin.Close()
		c.cancel()
	})
	return err
}

func (c *processConn) readLoop(r *bufio.Reader, sink Sink, stderrDone <-chan struct{}) {
	var readErr error
	for {
		in, err := hostproto.ReadInbound(c.codec, r)
		if err != nil {
			if errors.Is(err, hostproto.ErrInvalidMessage) {
				c.log.Warn("dropping malformed host message", "error", err)
				continue
			}
			readErr = err
			break
		}
		sink.Message(in)
	}

	<-stderrDone
	waitErr := c.cmd.Wait()
	c.cancel()
	if diag := security.RedactHostOutput(c.stderr.String()); diag != "" {
		c.log.Debug("host stderr", "output", diag)
	}
	sink.Closed(closeCause(readErr, waitErr))
}

func closeCause(readErr, waitErr error) error {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &CloseError{Reason: ReasonHostExited, Err: exitErr}
	}
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return &CloseError{Reason: "Error reading from native host: " + readErr.Error(), Err: readErr}
	}
	return io.EOF
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if len(p) > b.max {
		p = p[len(p)-b.max:]
	}
	if over := b.buf.Len() + len(p) - b.max; over > 0 {
		b.buf.Next(over)
	}
	b.buf.Write(p)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
