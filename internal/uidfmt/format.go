package uidfmt

import (
	"errors"
	"fmt"
	"strings"
)

// Format selects how a card UID is rendered before it is handed to a page.
type Format string

const (
	Plain  Format = "plain"
	Spaced Format = "spaced"
	Colon  Format = "colon"
	Dash   Format = "dash"
)

// Default is the format used when no preference has been stored.
const Default = Spaced

var ErrUnknownFormat = errors.New("unknown uid format")

// Formats lists every accepted format in display order.
func Formats() []Format {
	return []Format{Plain, Spaced, Colon, Dash}
}

func Parse(raw string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(raw)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
	}
	return f, nil
}

func (f Format) Valid() bool {
	switch f {
	case Plain, Spaced, Colon, Dash:
		return true
	default:
		return false
	}
}

func (f Format) separator() string {
	switch f {
	case Spaced:
		return " "
	case Colon:
		return ":"
	case Dash:
		return "-"
	default:
		return ""
	}
}

// Clean drops every non-hex character and uppercases the remainder.
func Clean(uid string) string {
	var b strings.Builder
	b.Grow(len(uid))
	for i := 0; i < len(uid); i++ {
		ch := uid[i]
		switch {
		case ch >= '0' && ch <= '9', ch >= 'A' && ch <= 'F':
			b.WriteByte(ch)
		case ch >= 'a' && ch <= 'f':
			b.WriteByte(ch - 'a' + 'A')
		}
	}
	return b.String()
}

// Apply renders uid in the given format. Unknown formats render as Plain.
// Digits are grouped in pairs from the left, so an odd-length UID ends with
// a single-digit group.
func Apply(uid string, f Format) string {
	if uid == "" {
		return ""
	}
	clean := Clean(uid)
	sep := f.separator()
	if sep == "" || len(clean) <= 2 {
		return clean
	}
	groups := make([]string, 0, (len(clean)+1)/2)
	for i := 0; i < len(clean); i += 2 {
		end := min(i+2, len(clean))
		groups = append(groups, clean[i:end])
	}
	return strings.Join(groups, sep)
}
