// Package cli implements the nfcbridge command line panel.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/alecthomas/kong"

	"github.com/g960059/nfcbridge/internal/api"
	"github.com/g960059/nfcbridge/internal/appclient"
	"github.com/g960059/nfcbridge/internal/config"
	"github.com/g960059/nfcbridge/internal/integration"
	"github.com/g960059/nfcbridge/internal/model"
	"github.com/g960059/nfcbridge/internal/uidfmt"
)

type Runner struct {
	client *appclient.Client
	custom bool
	out    io.Writer
	errOut io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	r := NewRunnerWithClient("", nil, out, errOut)
	r.client = appclient.New(socketPath)
	r.custom = false
	return r
}

// NewRunnerWithClient talks to baseURL instead of the daemon socket.
func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		client: appclient.NewWithClient(baseURL, client),
		custom: true,
		out:    out,
		errOut: errOut,
	}
}

// CLI is the command tree.
type CLI struct {
	Socket string `help:"Daemon socket path" env:"NFCBRIDGE_SOCKET" placeholder:"PATH"`

	Status     StatusCmd     `cmd:"" help:"Show connection and session state"`
	Health     HealthCmd     `cmd:"" help:"Check that the daemon is up"`
	Readers    ReadersCmd    `cmd:"" help:"Ask the host to enumerate readers and print them"`
	Listen     ListenCmd     `cmd:"" help:"Start listening on a reader"`
	Stop       StopCmd       `cmd:"" help:"Stop the listening session"`
	Format     FormatCmd     `cmd:"" help:"Set the UID display format"`
	Connect    ConnectCmd    `cmd:"" help:"Open the host channel"`
	Disconnect DisconnectCmd `cmd:"" help:"Close the host channel"`
	History    HistoryCmd    `cmd:"" help:"Show recent card reads"`
	Watch      WatchCmd      `cmd:"" help:"Stream state updates and card reads"`
	Doctor     DoctorCmd     `cmd:"" help:"Check the local host and daemon setup"`
}

type env struct {
	ctx    context.Context
	client *appclient.Client
	socket string
	out    io.Writer
}

type exitCode int

func (r *Runner) Run(ctx context.Context, args []string) (code int) {
	var root CLI
	parser, err := kong.New(&root,
		kong.Name("nfcbridge"),
		kong.Description("Control the nfcbridged card reader bridge."),
		kong.Writers(r.out, r.errOut),
		kong.Exit(func(c int) { panic(exitCode(c)) }),
		kong.UsageOnError(),
	)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	defer func() {
		if v := recover(); v != nil {
			c, ok := v.(exitCode)
			if !ok {
				panic(v)
			}
			code = int(c)
		}
	}()

	kctx, err := parser.Parse(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	client := r.client
	if root.Socket != "" && !r.custom {
		client = appclient.New(root.Socket)
	}
	if err := kctx.Run(&env{ctx: ctx, client: client, socket: root.Socket, out: r.out}); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	return 0
}

// DefaultSocket is the socket used when neither flag nor env names one.
func DefaultSocket() string {
	return config.DefaultConfig().SocketPath
}

type StatusCmd struct {
	JSON bool `help:"Output JSON"`
}

func (c *StatusCmd) Run(e *env) error {
	if err := e.client.EnsureConnection(e.ctx); err != nil {
		return err
	}
	st, err := e.client.State(e.ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(e.out, st)
	}
	printState(e.out, st.State)
	return nil
}

type HealthCmd struct{}

func (c *HealthCmd) Run(e *env) error {
	h, err := e.client.Health(e.ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(e.out, "%s connected=%t listening=%t\n", h.Status, h.Connected, h.Listening)
	return nil
}

type ReadersCmd struct {
	JSON bool `help:"Output JSON"`
}

func (c *ReadersCmd) Run(e *env) error {
	if err := e.client.EnsureConnection(e.ctx); err != nil {
		return err
	}
	if _, err := e.client.Action(e.ctx, api.ActionRequest{Action: api.ActionListReaders}); err != nil {
		return err
	}
	st, err := e.client.State(e.ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(e.out, st.State.Readers)
	}
	if len(st.State.Readers) == 0 {
		_, _ = fmt.Fprintln(e.out, "no readers")
		return nil
	}
	for i, name := range st.State.Readers {
		marker := " "
		if i == st.State.SelectedReaderIndex {
			marker = "*"
		}
		_, _ = fmt.Fprintf(e.out, "%s %d %s\n", marker, i, name)
	}
	return nil
}

type ListenCmd struct {
	Index int `arg:"" help:"Reader index as shown by 'readers'"`
}

func (c *ListenCmd) Run(e *env) error {
	if err := e.client.EnsureConnection(e.ctx); err != nil {
		return err
	}
	_, err := e.client.StartListening(e.ctx, c.Index)
	return err
}

type StopCmd struct{}

func (c *StopCmd) Run(e *env) error {
	if err := e.client.EnsureConnection(e.ctx); err != nil {
		return err
	}
	_, err := e.client.Action(e.ctx, api.ActionRequest{Action: api.ActionStopListening})
	return err
}

type FormatCmd struct {
	Format string `arg:"" help:"plain, spaced, colon or dash"`
}

func (c *FormatCmd) Run(e *env) error {
	f, err := uidfmt.Parse(c.Format)
	if err != nil {
		return err
	}
	_, err = e.client.SetFormat(e.ctx, string(f))
	return err
}

type ConnectCmd struct{}

func (c *ConnectCmd) Run(e *env) error {
	_, err := e.client.Action(e.ctx, api.ActionRequest{Action: api.ActionConnect})
	return err
}

type DisconnectCmd struct{}

func (c *DisconnectCmd) Run(e *env) error {
	_, err := e.client.Action(e.ctx, api.ActionRequest{Action: api.ActionDisconnect})
	return err
}

type HistoryCmd struct {
	Limit int  `short:"n" help:"Number of reads to show" default:"20"`
	JSON  bool `help:"Output JSON"`
}

func (c *HistoryCmd) Run(e *env) error {
	hist, err := e.client.History(e.ctx, c.Limit)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(e.out, hist)
	}
	tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "READ AT\tUID\tTYPE\tREADER")
	for _, r := range hist.Reads {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ReadAt, r.Formatted, r.UIDType, r.ReaderName)
	}
	return tw.Flush()
}

type WatchCmd struct {
	JSON     bool `help:"Print raw JSON messages"`
	FillOnly bool `name:"fill-only" help:"Only print card reads"`
}

func (c *WatchCmd) Run(e *env) error {
	err := e.client.WatchLoop(e.ctx, appclient.WatchLoopOptions{}, func(msg api.PushMessage) error {
		if c.FillOnly && msg.Action != api.PushFillUID {
			return nil
		}
		if c.JSON {
			return writeJSONLine(e.out, msg)
		}
		switch msg.Action {
		case api.PushFillUID:
			_, _ = fmt.Fprintf(e.out, "card %s (%s)\n", msg.Formatted, msg.UIDType)
		case api.PushStateUpdate:
			if msg.State != nil {
				_, _ = fmt.Fprintf(e.out, "state %s\n", summary(*msg.State))
			}
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type DoctorCmd struct {
	Config string `help:"Config file to check" type:"path" placeholder:"PATH"`
	JSON   bool   `help:"Output JSON"`
}

var errDoctorFailed = errors.New("doctor found problems")

func (c *DoctorCmd) Run(e *env) error {
	path := c.Config
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		// The config check reports the load error itself.
		cfg = config.DefaultConfig()
	}
	if e.socket != "" {
		cfg.SocketPath = e.socket
	}
	res := integration.Doctor(integration.DoctorOptions{ConfigPath: path, Config: cfg})
	if c.JSON {
		if err := writeJSON(e.out, res); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
		for _, chk := range res.Checks {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", chk.Status, chk.Name, chk.Message, chk.Path)
		}
		_ = tw.Flush()
	}
	if !res.OK {
		return errDoctorFailed
	}
	return nil
}

func printState(w io.Writer, st model.State) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "connected\t%t\n", st.Connected)
	_, _ = fmt.Fprintf(tw, "listening\t%t\n", st.IsListening)
	_, _ = fmt.Fprintf(tw, "readers\t%s\n", strings.Join(st.Readers, ", "))
	_, _ = fmt.Fprintf(tw, "selected\t%d\n", st.SelectedReaderIndex)
	_, _ = fmt.Fprintf(tw, "format\t%s\n", st.UIDFormat)
	if st.LastUID != "" {
		_, _ = fmt.Fprintf(tw, "last uid\t%s\n", uidfmt.Apply(st.LastUID, st.UIDFormat))
	}
	if st.HostVersion != "" {
		_, _ = fmt.Fprintf(tw, "host version\t%s\n", st.HostVersion)
	}
	if st.Error != "" {
		_, _ = fmt.Fprintf(tw, "error\t%s\n", st.Error)
	}
	_ = tw.Flush()
}

func summary(st model.State) string {
	s := fmt.Sprintf("connected=%t listening=%t readers=%d", st.Connected, st.IsListening, len(st.Readers))
	if st.Error != "" {
		s += fmt.Sprintf(" error=%q", st.Error)
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
