package hostproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidMessage = errors.New("hostproto: invalid message")

// Action names a command understood by the host process.
type Action string

const (
	ActionListReaders    Action = "list-readers"
	ActionStartListening Action = "start-listening"
	ActionStopListening  Action = "stop-listening"
	ActionGetVersion     Action = "get-version"
)

// Event names sent unsolicited by the host process.
const (
	EventCardDetected = "card-detected"
	EventError        = "error"
)

type Command struct {
	Action      Action `json:"action"`
	ReaderIndex *int   `json:"readerIndex,omitempty"`
}

func ListReaders() Command   { return Command{Action: ActionListReaders} }
func StopListening() Command { return Command{Action: ActionStopListening} }
func GetVersion() Command    { return Command{Action: ActionGetVersion} }

func StartListening(readerIndex int) Command {
	idx := readerIndex
	return Command{Action: ActionStartListening, ReaderIndex: &idx}
}

func (c Command) String() string {
	if c.ReaderIndex != nil {
		return fmt.Sprintf("%s{readerIndex:%d}", c.Action, *c.ReaderIndex)
	}
	return string(c.Action)
}

// Response is a reply to a command. Readers is nil when the reply carried no
// reader list and non-nil (possibly empty) when it did. Version is non-nil
// only for get-version replies.
type Response struct {
	Success bool
	Readers []string
	Message string
	Error   string
	Version *string
}

type CardEvent struct {
	UID     string
	UIDType string
}

// Inbound is one decoded host message. Event is empty for command replies.
type Inbound struct {
	Event    string
	Response Response
	Card     CardEvent
	// ErrorText carries the error field of an event message.
	ErrorText string
	Raw       json.RawMessage
}

func (in Inbound) IsEvent() bool {
	return in.Event != ""
}

type wireMessage struct {
	Event   string           `json:"event"`
	Success bool             `json:"success"`
	Readers *json.RawMessage `json:"readers"`
	Message string           `json:"message"`
	Error   string           `json:"error"`
	Version *json.RawMessage `json:"version"`
	UID     string           `json:"uid"`
	UIDType string           `json:"uidType"`
}

// Decode parses a host message body.
func Decode(body []byte) (Inbound, error) {
	var wire wireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	in := Inbound{
		Event: strings.TrimSpace(wire.Event),
		Raw:   append(json.RawMessage(nil), body...),
	}
	if in.IsEvent() {
		in.Card = CardEvent{UID: wire.UID, UIDType: wire.UIDType}
		in.ErrorText = wire.Error
		return in, nil
	}

	resp := Response{
		Success: wire.Success,
		Message: wire.Message,
		Error:   wire.Error,
	}
	if wire.Readers != nil && string(*wire.Readers) != "null" {
		readers := []string{}
		if err := json.Unmarshal(*wire.Readers, &readers); err != nil {
			return Inbound{}, fmt.Errorf("%w: readers: %v", ErrInvalidMessage, err)
		}
		resp.Readers = readers
	}
	if wire.Version != nil && string(*wire.Version) != "null" {
		version, err := versionString(*wire.Version)
		if err != nil {
			return Inbound{}, err
		}
		resp.Version = &version
	}
	in.Response = resp
	return in, nil
}

// Encode renders a command as a JSON message body.
func Encode(cmd Command) ([]byte, error) {
	if strings.TrimSpace(string(cmd.Action)) == "" {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidMessage)
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return body, nil
}

func versionString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: version must be a string", ErrInvalidMessage)
}
