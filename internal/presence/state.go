// Package presence defines what a participant broadcasts over the awareness
// channel and the read models derived from it.
package presence

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// Cursor is a caret position. AbsoluteX/Y are relative to the editable
// surface's bounding box, not the viewport.
type Cursor struct {
	Anchor    int     `json:"anchor"`
	Focus     int     `json:"focus"`
	AbsoluteX float64 `json:"absoluteX"`
	AbsoluteY float64 `json:"absoluteY"`
}

type Selection struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// State is the full presence record of one connection. Cursor and Selection
// are always serialized so peers can tell "no selection" from a stale one.
type State struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	Role        string     `json:"role"`
	Color       string     `json:"color"`
	Cursor      *Cursor    `json:"cursor"`
	Selection   *Selection `json:"selection"`
}

// Decode parses a raw awareness state. Entries without a user id are not
// presence records.
func Decode(raw json.RawMessage) (State, bool) {
	if len(raw) == 0 {
		return State{}, false
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, false
	}
	if state.UserID == "" {
		return State{}, false
	}
	return state, true
}

var palette = []string{
	"#E6194B",
	"#3CB44B",
	"#4363D8",
	"#F58231",
	"#911EB4",
	"#42D4F4",
	"#F032E6",
	"#469990",
	"#9A6324",
	"#800000",
	"#808000",
	"#000075",
}

// ColorFor maps a user id to a palette color. The mapping is stable across
// processes, so every peer draws the same user in the same color.
func ColorFor(userID string) string {
	return palette[xxhash.Sum64String(userID)%uint64(len(palette))]
}
