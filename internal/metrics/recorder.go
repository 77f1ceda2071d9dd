// Package metrics records coordinator activity. Components hold a Recorder
// and default to NoopRecorder, so metrics stay optional and need no nil
// checks at call sites.
package metrics

// Connect outcomes.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Watchdog outcomes.
const (
	WatchdogStarted   = "started"
	WatchdogRestarted = "restarted"
	WatchdogExpired   = "expired"
)

type Recorder interface {
	IncConnect(result string)
	IncReconnectScheduled()
	IncHostError(suppressed bool)
	IncCommand(action string)
	IncCardDetected()
	IncBroadcast()
	SetListening(listening bool)
	IncWatchdog(outcome string)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) IncConnect(string) {}
func (NoopRecorder) IncReconnectScheduled() {}
func (NoopRecorder) IncHostError(bool) {}
func (NoopRecorder) IncCommand(string) {}
func (NoopRecorder) IncCardDetected() {}
func (NoopRecorder) IncBroadcast() {}
func (NoopRecorder) SetListening(bool) {}
func (NoopRecorder) IncWatchdog(string) {}

// OrNoop returns r, or NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
