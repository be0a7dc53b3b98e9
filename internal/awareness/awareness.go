// Package awareness is the ephemeral presence channel: one state per
// connected client, never persisted, dropped when the client goes away.
package awareness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultOutdatedTimeout is how long a remote state survives without a refresh.
const DefaultOutdatedTimeout = 30 * time.Second

var ErrMalformedUpdate = errors.New("malformed awareness update")

// ClientState is the wire form of one client's presence. A null State
// removes the client.
type ClientState struct {
	ClientID string          `json:"clientId"`
	Clock    uint64          `json:"clock"`
	State    json.RawMessage `json:"state"`
}

type Update struct {
	Clients []ClientState `json:"clients"`
}

type ChangeEvent struct {
	Added   []string
	Updated []string
	Removed []string
	Origin  any
	// Local is true when the change concerns this replica's own state.
	Local bool
}

func (e ChangeEvent) empty() bool {
	return len(e.Added) == 0 && len(e.Updated) == 0 && len(e.Removed) == 0
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

type Awareness struct {
	mu       sync.Mutex
	clientID string
	clock    clock.Clock
	logger   *zap.Logger

	states map[string]json.RawMessage
	meta   map[string]meta

	observers    map[int]func(ChangeEvent)
	nextObserver int
}

func New(clientID string, clk clock.Clock, logger *zap.Logger) *Awareness {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Awareness{
		clientID:  clientID,
		clock:     clk,
		logger:    logger.Named("awareness").With(zap.String("client", clientID)),
		states:    make(map[string]json.RawMessage),
		meta:      make(map[string]meta),
		observers: make(map[int]func(ChangeEvent)),
	}
}

func (a *Awareness) ClientID() string {
	return a.clientID
}

// SetLocalState replaces the full local presence record. nil clears it.
func (a *Awareness) SetLocalState(state any) error {
	var raw json.RawMessage
	if state != nil {
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal local state: %w", err)
		}
		if !bytes.Equal(data, []byte("null")) {
			raw = data
		}
	}

	a.mu.Lock()
	previous, existed := a.states[a.clientID]
	m := a.meta[a.clientID]
	m.clock++
	m.lastUpdated = a.clock.Now()
	a.meta[a.clientID] = m

	event := ChangeEvent{Origin: "local", Local: true}
	switch {
	case raw == nil && existed:
		delete(a.states, a.clientID)
		event.Removed = []string{a.clientID}
	case raw != nil && !existed:
		a.states[a.clientID] = raw
		event.Added = []string{a.clientID}
	case raw != nil && !bytes.Equal(previous, raw):
		a.states[a.clientID] = raw
		event.Updated = []string{a.clientID}
	}
	observers := a.snapshotObservers()
	a.mu.Unlock()

	a.emit(observers, event)
	return nil
}

func (a *Awareness) LocalState() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[a.clientID]
}

// GetStates returns a copy of every known client's state, including our own.
func (a *Awareness) GetStates() map[string]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]json.RawMessage, len(a.states))
	for id, state := range a.states {
		out[id] = state
	}
	return out
}

// OnChange registers fn; the returned func detaches it.
func (a *Awareness) OnChange(fn func(ChangeEvent)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextObserver
	a.nextObserver++
	a.observers[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.observers, id)
	}
}

// EncodeUpdate encodes the given clients. Unknown or removed clients are
// encoded as removals so peers drop them too.
func (a *Awareness) EncodeUpdate(clients []string) ([]byte, error) {
	a.mu.Lock()
	update := Update{Clients: make([]ClientState, 0, len(clients))}
	for _, id := range clients {
		update.Clients = append(update.Clients, ClientState{
			ClientID: id,
			Clock:    a.meta[id].clock,
			State:    a.states[id],
		})
	}
	a.mu.Unlock()

	data, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encode awareness update: %w", err)
	}
	return data, nil
}

// EncodeLeave encodes a removal of the local client with a clock peers will
// accept, without touching the local state.
func (a *Awareness) EncodeLeave() ([]byte, error) {
	a.mu.Lock()
	update := Update{Clients: []ClientState{{
		ClientID: a.clientID,
		Clock:    a.meta[a.clientID].clock + 1,
	}}}
	a.mu.Unlock()

	data, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encode awareness leave: %w", err)
	}
	return data, nil
}

// EncodeAll encodes every client with a live state.
func (a *Awareness) EncodeAll() ([]byte, error) {
	a.mu.Lock()
	clients := make([]string, 0, len(a.states))
	for id := range a.states {
		clients = append(clients, id)
	}
	a.mu.Unlock()
	sort.Strings(clients)
	return a.EncodeUpdate(clients)
}

// ApplyUpdate merges remote presence. Entries for our own client id are
// ignored: only this replica decides its own state.
func (a *Awareness) ApplyUpdate(data []byte, origin any) error {
	var update Update
	if err := json.Unmarshal(data, &update); err != nil {
		a.logger.Warn("dropping malformed awareness update", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}

	now := a.clock.Now()
	event := ChangeEvent{Origin: origin}

	a.mu.Lock()
	for _, client := range update.Clients {
		if client.ClientID == "" || client.ClientID == a.clientID {
			continue
		}
		removal := len(client.State) == 0 || bytes.Equal(client.State, []byte("null"))
		current, known := a.meta[client.ClientID]
		previous, live := a.states[client.ClientID]
		if known && (client.Clock < current.clock || (client.Clock == current.clock && !(removal && live))) {
			continue
		}
		a.meta[client.ClientID] = meta{clock: client.Clock, lastUpdated: now}
		switch {
		case removal && live:
			delete(a.states, client.ClientID)
			event.Removed = append(event.Removed, client.ClientID)
		case removal:
		case !live:
			a.states[client.ClientID] = append(json.RawMessage(nil), client.State...)
			event.Added = append(event.Added, client.ClientID)
		case !bytes.Equal(previous, client.State):
			a.states[client.ClientID] = append(json.RawMessage(nil), client.State...)
			event.Updated = append(event.Updated, client.ClientID)
		}
	}
	observers := a.snapshotObservers()
	a.mu.Unlock()

	a.emit(observers, event)
	return nil
}

// RemoveStates drops the given remote clients, e.g. when the relay reports
// that their connection closed.
func (a *Awareness) RemoveStates(clients []string, origin any) {
	event := ChangeEvent{Origin: origin}

	a.mu.Lock()
	for _, id := range clients {
		if id == a.clientID {
			continue
		}
		// The clock is kept as is: a returning client renews with a higher one.
		if _, live := a.states[id]; live {
			delete(a.states, id)
			event.Removed = append(event.Removed, id)
		}
	}
	observers := a.snapshotObservers()
	a.mu.Unlock()

	a.emit(observers, event)
}

// ForgetRemote drops every remote client together with its clock, so the
// next update for it is accepted whatever its clock. Used when this replica
// lost its connection and can no longer tell stale presence from current.
func (a *Awareness) ForgetRemote(origin any) {
	event := ChangeEvent{Origin: origin}

	a.mu.Lock()
	for id := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, live := a.states[id]; live {
			delete(a.states, id)
			event.Removed = append(event.Removed, id)
		}
		delete(a.meta, id)
	}
	observers := a.snapshotObservers()
	a.mu.Unlock()

	sort.Strings(event.Removed)
	a.emit(observers, event)
}

// RemoveOutdated drops remote states that were not refreshed within timeout.
func (a *Awareness) RemoveOutdated(timeout time.Duration) []string {
	now := a.clock.Now()
	var outdated []string

	a.mu.Lock()
	for id := range a.states {
		if id == a.clientID {
			continue
		}
		if now.Sub(a.meta[id].lastUpdated) >= timeout {
			outdated = append(outdated, id)
		}
	}
	a.mu.Unlock()

	sort.Strings(outdated)
	if len(outdated) > 0 {
		a.RemoveStates(outdated, "timeout")
	}
	return outdated
}

// LocalAge reports how long ago the local state was last set.
func (a *Awareness) LocalAge() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.meta[a.clientID]
	if !ok {
		return 0
	}
	return a.clock.Since(m.lastUpdated)
}

// Renew bumps the local clock so peers refresh their timeout for us.
func (a *Awareness) Renew() {
	a.mu.Lock()
	if _, live := a.states[a.clientID]; !live {
		a.mu.Unlock()
		return
	}
	m := a.meta[a.clientID]
	m.clock++
	m.lastUpdated = a.clock.Now()
	a.meta[a.clientID] = m
	a.mu.Unlock()
}

// Destroy clears the local state (notifying observers) and detaches them.
func (a *Awareness) Destroy() {
	_ = a.SetLocalState(nil)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = make(map[int]func(ChangeEvent))
}

func (a *Awareness) snapshotObservers() []func(ChangeEvent) {
	ids := make([]int, 0, len(a.observers))
	for id := range a.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	observers := make([]func(ChangeEvent), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, a.observers[id])
	}
	return observers
}

func (a *Awareness) emit(observers []func(ChangeEvent), event ChangeEvent) {
	if event.empty() {
		return
	}
	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("awareness observer panicked", zap.Any("panic", r))
				}
			}()
			fn(event)
		}()
	}
}
