package hostchannel

import "strings"

// Error texts surfaced to UI surfaces. Panels match on these strings.
const (
	MsgConnectFailed = "Failed to connect to native host"
	MsgNotConnected  = "Not connected to native host. Please install the native host application."
	MsgSendFailed    = "Error communicating with native host"
	MsgNotInstalled  = "Native messaging host not installed. Please install the host application first."
)

// CloseKind classifies why the channel closed.
type CloseKind int

const (
	CloseClean CloseKind = iota
	CloseHostMissing
	CloseHostFailed
)

func (k CloseKind) String() string {
	switch k {
	case CloseClean:
		return "clean"
	case CloseHostMissing:
		return "host_missing"
	case CloseHostFailed:
		return "host_failed"
	default:
		return "unknown"
	}
}

var hostMissingPatterns = []string{
	"native messaging host",
	"not found",
	"Specified native messaging host not found",
}

// ClassifyCloseReason maps the free-text close diagnostic to a CloseKind.
//
// This is a compatibility shim: the host protocol has no structured reason
// code, so "host not installed" is recognized by substring. Replace it once
// hosts report a code.
func ClassifyCloseReason(reason string) CloseKind {
	if strings.TrimSpace(reason) == "" {
		return CloseClean
	}
	for _, p := range hostMissingPatterns {
		if strings.Contains(reason, p) {
			return CloseHostMissing
		}
	}
	return CloseHostFailed
}
