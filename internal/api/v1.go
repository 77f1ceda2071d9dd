package api

import (
	"time"

	"github.com/g960059/nfcbridge/internal/model"
)

const SchemaVersion = "v1"

// UI-facing actions accepted by the coordinator.
const (
	ActionConnect          = "connect"
	ActionDisconnect       = "disconnect"
	ActionEnsureConnection = "ensure-connection"
	ActionListReaders      = "list-readers"
	ActionStartListening   = "start-listening"
	ActionStopListening    = "stop-listening"
	ActionSetFormat        = "set-format"
	ActionGetState         = "get-state"
)

// Push message actions.
const (
	PushStateUpdate = "state-update"
	PushFillUID     = "fill-uid"
)

// Error codes.
const (
	ErrRefInvalid       = "E_REF_INVALID"
	ErrRefNotFound      = "E_REF_NOT_FOUND"
	ErrUnavailable      = "E_UNAVAILABLE"
	ErrPreconditionFail = "E_PRECONDITION_FAILED"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// ActionRequest is a UI message. ReaderIndex is used by start-listening and
// Format by set-format.
type ActionRequest struct {
	Action      string `json:"action"`
	ReaderIndex *int   `json:"readerIndex,omitempty"`
	Format      string `json:"format,omitempty"`
}

// ActionReply answers an ActionRequest. State is set for get-state.
type ActionReply struct {
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	State   *model.State `json:"state,omitempty"`
}

type StateEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	State         model.State `json:"state"`
}

// PushMessage is sent to every attached UI surface. state-update carries
// State; fill-uid carries the card fields for page surfaces.
type PushMessage struct {
	Action    string       `json:"action"`
	Sequence  int64        `json:"sequence,omitempty"`
	StreamID  string       `json:"stream_id,omitempty"`
	State     *model.State `json:"state,omitempty"`
	UID       string       `json:"uid,omitempty"`
	UIDType   string       `json:"uidType,omitempty"`
	Format    string       `json:"format,omitempty"`
	Formatted string       `json:"formatted,omitempty"`
}

type CardReadItem struct {
	ID          int64  `json:"id"`
	UID         string `json:"uid"`
	UIDType     string `json:"uid_type,omitempty"`
	ReaderIndex int    `json:"reader_index"`
	ReaderName  string `json:"reader_name,omitempty"`
	Formatted   string `json:"formatted"`
	ReadAt      string `json:"read_at"`
}

type HistoryEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Reads         []CardReadItem `json:"reads"`
}

// PushReply tags a SocketReply on the push stream.
const PushReply = "reply"

// SocketRequest is an ActionRequest sent over the push stream. ID is echoed
// in the reply.
type SocketRequest struct {
	ID string `json:"id,omitempty"`
	ActionRequest
}

type SocketReply struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
	ActionReply
}
