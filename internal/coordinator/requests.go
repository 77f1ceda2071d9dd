package coordinator

import (
	"context"
	"fmt"

	"github.com/g960059/nfcbridge/internal/api"
	"github.com/g960059/nfcbridge/internal/hostproto"
	"github.com/g960059/nfcbridge/internal/model"
	"github.com/g960059/nfcbridge/internal/uidfmt"
)

// ErrUnknownAction is the reply text for unsupported UI actions.
const ErrUnknownAction = "Unknown action"

// Handle runs a UI request on the loop. The returned error is only set when
// the request could not be run at all (stopped coordinator, cancelled ctx);
// request-level failures are reported in the reply.
func (c *Coordinator) Handle(ctx context.Context, req api.ActionRequest) (api.ActionReply, error) {
	return call(ctx, c.queue, func() api.ActionReply { return c.handle(req) })
}

func (c *Coordinator) handle(req api.ActionRequest) api.ActionReply {
	c.log.Debug("ui request", "action", req.Action)
	switch req.Action {
	case api.ActionConnect:
		c.channel.Connect(false)
	case api.ActionEnsureConnection:
		if !c.channel.Connected() {
			c.log.Info("ensuring connection to host")
			c.channel.Connect(false)
		}
	case api.ActionDisconnect:
		c.watchdog.Stop()
		c.channel.Disconnect()
	case api.ActionListReaders:
		c.channel.Send(hostproto.ListReaders())
	case api.ActionStartListening:
		if req.ReaderIndex == nil {
			return failed("readerIndex is required")
		}
		idx := *req.ReaderIndex
		if st := c.state.Snapshot(); idx < 0 || idx >= len(st.Readers) {
			return failed(fmt.Sprintf("invalid reader index %d", idx))
		}
		c.watchdog.Stop()
		c.startSession(idx, true)
	case api.ActionStopListening:
		c.watchdog.Stop()
		c.state.Mutate(func(s *model.State) { s.IsListening = false })
		c.channel.Send(hostproto.StopListening())
	case api.ActionSetFormat:
		f, err := uidfmt.Parse(req.Format)
		if err != nil {
			return failed(err.Error())
		}
		c.state.Mutate(func(s *model.State) { s.UIDFormat = f })
		c.setPreference(model.PrefUIDFormat, string(f))
	case api.ActionGetState:
		st := c.state.Snapshot()
		return api.ActionReply{Success: true, State: &st}
	default:
		return failed(ErrUnknownAction)
	}
	return api.ActionReply{Success: true}
}

func failed(msg string) api.ActionReply {
	return api.ActionReply{Success: false, Error: msg}
}
