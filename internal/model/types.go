package model

import (
	"errors"
	"slices"
	"time"

	"github.com/g960059/nfcbridge/internal/uidfmt"
)

// ErrNotFound reports a missing record or preference.
var ErrNotFound = errors.New("not found")

// NoReader marks SelectedReaderIndex when no reader has been chosen.
const NoReader = -1

// Preference keys persisted in the local store.
const (
	PrefSelectedReaderIndex = "selectedReaderIndex"
	PrefUIDFormat           = "uidFormat"
)

// State is the coordinator snapshot pushed to every UI surface. Field names
// follow the message API the panel and page scripts already consume.
type State struct {
	Readers             []string      `json:"readers"`
	SelectedReaderIndex int           `json:"selectedReaderIndex"`
	IsListening         bool          `json:"isListening"`
	LastUID             string        `json:"lastUID"`
	LastUIDType         string        `json:"lastUIDType"`
	Error               string        `json:"error"`
	NotInstalled        bool          `json:"notInstalled"`
	UIDFormat           uidfmt.Format `json:"uidFormat"`
	HostVersion         string        `json:"hostVersion"`
	VersionMismatch     bool          `json:"versionMismatch"`
	Connected           bool          `json:"connected"`
}

func DefaultState() State {
	return State{
		Readers:             []string{},
		SelectedReaderIndex: NoReader,
		UIDFormat:           uidfmt.Default,
	}
}

// Clone returns a copy that shares no memory with s.
func (s State) Clone() State {
	out := s
	out.Readers = slices.Clone(s.Readers)
	if out.Readers == nil {
		out.Readers = []string{}
	}
	return out
}

// ValidSelection reports whether SelectedReaderIndex addresses a current reader.
func (s State) ValidSelection() bool {
	return s.SelectedReaderIndex >= 0 && s.SelectedReaderIndex < len(s.Readers)
}

// SelectedReader returns the selected reader name, or "" when the selection is stale.
func (s State) SelectedReader() string {
	if !s.ValidSelection() {
		return ""
	}
	return s.Readers[s.SelectedReaderIndex]
}

// CardRead is one card presentation kept in the local history.
type CardRead struct {
	ID          int64
	UID         string
	UIDType     string
	ReaderIndex int
	ReaderName  string
	Format      uidfmt.Format
	ReadAt      time.Time
}

// Preference is one stored key/value pair.
type Preference struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}
