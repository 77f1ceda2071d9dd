package coordinator

import (
	"github.com/g960059/nfcbridge/internal/metrics"
	"github.com/g960059/nfcbridge/internal/model"
)

// StateStore owns the coordinator snapshot. It is only touched from the
// coordinator loop.
type StateStore struct {
	state   model.State
	publish func(model.State)
	rec     metrics.Recorder
}

// NewStateStore starts from initial. publish receives a private copy of every
// broadcast snapshot and must not block.
func NewStateStore(initial model.State, publish func(model.State), rec metrics.Recorder) *StateStore {
	if publish == nil {
		publish = func(model.State) {}
	}
	return &StateStore{state: initial.Clone(), publish: publish, rec: metrics.OrNoop(rec)}
}

func (s *StateStore) Snapshot() model.State {
	return s.state.Clone()
}

// Mutate applies fn and broadcasts exactly one snapshot.
func (s *StateStore) Mutate(fn func(*model.State)) {
	s.apply(fn)
	s.Broadcast()
}

// Update applies fn without broadcasting.
func (s *StateStore) Update(fn func(*model.State)) {
	s.apply(fn)
}

func (s *StateStore) Broadcast() {
	s.publish(s.state.Clone())
}

func (s *StateStore) apply(fn func(*model.State)) {
	fn(&s.state)
	if s.state.Readers == nil {
		s.state.Readers = []string{}
	}
	// notInstalled is only meaningful alongside an error.
	if s.state.Error == "" {
		s.state.NotInstalled = false
	}
	s.rec.SetListening(s.state.IsListening)
}
