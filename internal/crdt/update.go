package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrMalformedUpdate = errors.New("malformed update")
	ErrDestroyed       = errors.New("document destroyed")
)

// ID names a single write: the Seq-th operation produced by Client.
type ID struct {
	Client string `json:"client"`
	Seq    uint64 `json:"seq"`
}

// Entry is one last-writer-wins register value.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Clock uint64 `json:"clock"`
	ID    ID     `json:"id"`
}

// supersedes reports whether e should replace other for the same key.
func (e Entry) supersedes(other Entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	if e.ID.Client != other.ID.Client {
		return e.ID.Client > other.ID.Client
	}
	return e.ID.Seq > other.ID.Seq
}

// StateVector maps a client id to the highest sequence number up to which
// every operation of that client has been integrated.
type StateVector map[string]uint64

func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for client, seq := range sv {
		out[client] = seq
	}
	return out
}

// Update is the wire form of a batch of entries. StateVector is only set on
// responses to a sync request, where the entries are complete relative to the
// requester's state vector.
type Update struct {
	Entries     []Entry     `json:"entries"`
	StateVector StateVector `json:"stateVector,omitempty"`
}

func encodeUpdate(update Update) ([]byte, error) {
	sort.Slice(update.Entries, func(i, j int) bool {
		a, b := update.Entries[i], update.Entries[j]
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		if a.ID.Client != b.ID.Client {
			return a.ID.Client < b.ID.Client
		}
		return a.ID.Seq < b.ID.Seq
	})
	data, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// DecodeUpdate parses and validates an encoded update.
func DecodeUpdate(data []byte) (Update, error) {
	var update Update
	if len(data) == 0 {
		return Update{}, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	if err := json.Unmarshal(data, &update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for i, entry := range update.Entries {
		switch {
		case entry.Key == "":
			return Update{}, fmt.Errorf("%w: entry %d has no key", ErrMalformedUpdate, i)
		case entry.ID.Client == "":
			return Update{}, fmt.Errorf("%w: entry %d has no client", ErrMalformedUpdate, i)
		case entry.ID.Seq == 0:
			return Update{}, fmt.Errorf("%w: entry %d has zero seq", ErrMalformedUpdate, i)
		case entry.Clock == 0:
			return Update{}, fmt.Errorf("%w: entry %d has zero clock", ErrMalformedUpdate, i)
		}
	}
	for client := range update.StateVector {
		if client == "" {
			return Update{}, fmt.Errorf("%w: state vector has an empty client", ErrMalformedUpdate)
		}
	}
	return update, nil
}
