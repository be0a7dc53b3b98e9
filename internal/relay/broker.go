package relay

import (
	"context"
	"encoding/json"
	"sync"
)

// Envelope carries one protocol message between relay instances.
type Envelope struct {
	Instance string `json:"instance"`
	// Target restricts delivery to one instance; empty means every instance.
	Target  string          `json:"target,omitempty"`
	Message json.RawMessage `json:"message"`
}

// Broker fans messages out to the other relay instances serving the same
// document. Subscribers also receive their own instance's envelopes and are
// expected to skip them.
type Broker interface {
	Publish(ctx context.Context, document string, envelope Envelope) error
	Subscribe(ctx context.Context, document string, fn func(Envelope)) (unsubscribe func(), err error)
	Ping(ctx context.Context) error
	Close() error
}

// MemoryBroker connects relay instances living in one process.
type MemoryBroker struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(Envelope)
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[int]func(Envelope))}
}

func (b *MemoryBroker) Publish(_ context.Context, document string, envelope Envelope) error {
	b.mu.Lock()
	fns := make([]func(Envelope), 0, len(b.subs[document]))
	for _, fn := range b.subs[document] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(envelope)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, document string, fn func(Envelope)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.subs[document] == nil {
		b.subs[document] = make(map[int]func(Envelope))
	}
	b.subs[document][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[document], id)
		if len(b.subs[document]) == 0 {
			delete(b.subs, document)
		}
	}, nil
}

func (b *MemoryBroker) Ping(context.Context) error {
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[int]func(Envelope))
	return nil
}
