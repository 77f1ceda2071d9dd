package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/g960059/nfcbridge/internal/api"
)

const DefaultSubject = "nfcbridge.push"

// Publisher is the part of a NATS connection the bridge uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATS mirrors push messages onto a subject as JSON. fill-uid messages go
// to <subject>.fill-uid and state updates to <subject>.state-update.
type NATS struct {
	pub     Publisher
	subject string
	log     *slog.Logger
}

// DialNATS connects to url and returns a NATS broadcaster.
func DialNATS(url, subject string, log *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("nfcbridged"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	n := NewNATS(conn, subject, log)
	n.log.Info("nats publisher connected", "url", conn.ConnectedUrlRedacted(), "subject", n.subject)
	return n, nil
}

func NewNATS(pub Publisher, subject string, log *slog.Logger) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = slog.Default()
	}
	return &NATS{pub: pub, subject: subject, log: log}
}

func (n *NATS) Subject(action string) string {
	return n.subject + "." + action
}

func (n *NATS) Broadcast(msg api.PushMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		n.log.Error("marshal push message", "action", msg.Action, "error", err)
		return
	}
	if err := n.pub.Publish(n.Subject(msg.Action), data); err != nil {
		n.log.Warn("nats publish failed", "action", msg.Action, "error", err)
	}
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.pub.Drain()
}
