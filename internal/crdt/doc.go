// Package crdt implements the replicated document store: a last-writer-wins
// map whose replicas converge regardless of delivery order or duplication.
package crdt

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Event describes one change to the local replica.
type Event struct {
	// Keys that changed value, sorted.
	Keys []string
	// Origin is the value passed to Transact or ApplyUpdate.
	Origin any
	// Local is true for transactions made on this replica.
	Local bool
	// Update is the encoded operation batch that produced the change.
	Update []byte
}

type Doc struct {
	mu       sync.Mutex
	clientID string
	logger   *zap.Logger

	clock   uint64
	entries map[string]Entry
	sv      StateVector
	// pending holds sequence numbers received ahead of a gap.
	pending map[string]map[uint64]struct{}

	observers    map[int]func(Event)
	nextObserver int
	destroyed    bool
}

func NewDoc(clientID string, logger *zap.Logger) *Doc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Doc{
		clientID:  clientID,
		logger:    logger.Named("crdt").With(zap.String("client", clientID)),
		entries:   make(map[string]Entry),
		sv:        make(StateVector),
		pending:   make(map[string]map[uint64]struct{}),
		observers: make(map[int]func(Event)),
	}
}

func (d *Doc) ClientID() string {
	return d.clientID
}

// Transaction buffers writes so they are integrated and published together.
type Transaction struct {
	doc    *Doc
	order  []string
	values map[string]string
}

func (tx *Transaction) Set(key, value string) {
	if _, ok := tx.values[key]; !ok {
		tx.order = append(tx.order, key)
	}
	tx.values[key] = value
}

// Get reads through the transaction's own writes.
func (tx *Transaction) Get(key string) (string, bool) {
	if value, ok := tx.values[key]; ok {
		return value, true
	}
	return tx.doc.Get(key)
}

// Transact runs fn and commits its writes as one update. Observers see a
// single Event for the whole transaction.
func (d *Doc) Transact(origin any, fn func(tx *Transaction)) error {
	tx := &Transaction{doc: d, values: make(map[string]string)}
	fn(tx)
	if len(tx.order) == 0 {
		return nil
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	update := Update{Entries: make([]Entry, 0, len(tx.order))}
	var changed []string
	for _, key := range tx.order {
		d.clock++
		d.sv[d.clientID]++
		entry := Entry{
			Key:   key,
			Value: tx.values[key],
			Clock: d.clock,
			ID:    ID{Client: d.clientID, Seq: d.sv[d.clientID]},
		}
		if previous, ok := d.entries[key]; !ok || previous.Value != entry.Value {
			changed = append(changed, key)
		}
		d.entries[key] = entry
		update.Entries = append(update.Entries, entry)
	}
	data, err := encodeUpdate(update)
	observers := d.snapshotObservers()
	d.mu.Unlock()
	if err != nil {
		return err
	}

	sort.Strings(changed)
	d.emit(observers, Event{Keys: changed, Origin: origin, Local: true, Update: data})
	return nil
}

func (d *Doc) Set(key, value string) error {
	return d.Transact(nil, func(tx *Transaction) {
		tx.Set(key, value)
	})
}

func (d *Doc) Get(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[key]
	if !ok {
		return "", false
	}
	return entry.Value, true
}

func (d *Doc) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.entries))
	for key := range d.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the current key/value view.
func (d *Doc) Map() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.entries))
	for key, entry := range d.entries {
		out[key] = entry.Value
	}
	return out
}

// Observe registers fn for every change. The returned func detaches it.
func (d *Doc) Observe(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return func() {}
	}
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

// ApplyUpdate merges a remote update. Malformed updates are rejected whole
// and leave the replica untouched.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	return d.apply(data, origin, false)
}

// ApplySyncStep2 merges the answer to a sync request and additionally adopts
// the sender's state vector, since the answer covers everything it knew.
func (d *Doc) ApplySyncStep2(data []byte, origin any) error {
	return d.apply(data, origin, true)
}

func (d *Doc) apply(data []byte, origin any, adopt bool) error {
	update, err := DecodeUpdate(data)
	if err != nil {
		d.logger.Warn("dropping malformed update", zap.Error(err), zap.Int("bytes", len(data)))
		return err
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	changedSet := make(map[string]struct{})
	for _, entry := range update.Entries {
		if entry.Clock > d.clock {
			d.clock = entry.Clock
		}
		d.integrate(entry.ID)
		current, ok := d.entries[entry.Key]
		if ok && !entry.supersedes(current) {
			continue
		}
		d.entries[entry.Key] = entry
		if !ok || current.Value != entry.Value {
			changedSet[entry.Key] = struct{}{}
		}
	}
	if adopt {
		for client, seq := range update.StateVector {
			d.advance(client, seq)
		}
	}
	observers := d.snapshotObservers()
	d.mu.Unlock()

	if len(changedSet) == 0 {
		return nil
	}
	changed := make([]string, 0, len(changedSet))
	for key := range changedSet {
		changed = append(changed, key)
	}
	sort.Strings(changed)
	d.emit(observers, Event{Keys: changed, Origin: origin, Update: data})
	return nil
}

// integrate must be called with mu held.
func (d *Doc) integrate(id ID) {
	if id.Seq <= d.sv[id.Client] {
		return
	}
	if id.Seq == d.sv[id.Client]+1 {
		d.advance(id.Client, id.Seq)
		return
	}
	parked, ok := d.pending[id.Client]
	if !ok {
		parked = make(map[uint64]struct{})
		d.pending[id.Client] = parked
	}
	parked[id.Seq] = struct{}{}
}

// advance raises the watermark of client to at least seq and absorbs any
// parked sequence numbers that became contiguous. Must be called with mu held.
func (d *Doc) advance(client string, seq uint64) {
	if seq <= d.sv[client] {
		return
	}
	d.sv[client] = seq
	parked := d.pending[client]
	for s := range parked {
		if s <= seq {
			delete(parked, s)
		}
	}
	for {
		next := d.sv[client] + 1
		if _, ok := parked[next]; !ok {
			break
		}
		delete(parked, next)
		d.sv[client] = next
	}
	if len(parked) == 0 {
		delete(d.pending, client)
	}
}

func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv.Clone()
}

// EncodeDiff returns every entry the holder of remote has not integrated,
// together with this replica's state vector.
func (d *Doc) EncodeDiff(remote StateVector) ([]byte, error) {
	d.mu.Lock()
	update := Update{Entries: []Entry{}, StateVector: d.sv.Clone()}
	for _, entry := range d.entries {
		if entry.ID.Seq > remote[entry.ID.Client] {
			update.Entries = append(update.Entries, entry)
		}
	}
	d.mu.Unlock()
	return encodeUpdate(update)
}

// EncodeState encodes the whole replica. It is the snapshot format and can be
// restored with ApplySyncStep2.
func (d *Doc) EncodeState() ([]byte, error) {
	return d.EncodeDiff(nil)
}

// Destroy detaches all observers. Later writes fail with ErrDestroyed.
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.observers = make(map[int]func(Event))
}

// snapshotObservers must be called with mu held.
func (d *Doc) snapshotObservers() []func(Event) {
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	observers := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, d.observers[id])
	}
	return observers
}

func (d *Doc) emit(observers []func(Event), event Event) {
	for _, fn := range observers {
		d.safeCall(fn, event)
	}
}

func (d *Doc) safeCall(fn func(Event), event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("observer panicked", zap.Any("panic", r))
		}
	}()
	fn(event)
}
