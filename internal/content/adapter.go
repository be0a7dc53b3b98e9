// Package content exposes one form of a shared document as structured JSON.
package content

import (
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"chronicle/collab/internal/crdt"
)

// Change is delivered to listeners once per transaction touching the form.
type Change struct {
	Content any
	// Local is true when this replica made the change.
	Local bool
}

type Adapter struct {
	formID string
	logger *zap.Logger

	mu        sync.Mutex
	doc       *crdt.Doc
	unobserve func()
	listeners map[int]func(Change)
	next      int
}

func New(doc *crdt.Doc, formID string, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		formID:    formID,
		logger:    logger.Named("content").With(zap.String("form", formID)),
		doc:       doc,
		listeners: make(map[int]func(Change)),
	}
	a.unobserve = doc.Observe(a.onEvent)
	return a
}

// SendUpdate writes content as the form's value in one transaction. It
// reports false when the adapter is detached or content cannot be encoded.
func (a *Adapter) SendUpdate(content any) bool {
	doc := a.document()
	if doc == nil {
		return false
	}
	data, err := json.Marshal(content)
	if err != nil {
		a.logger.Warn("content not serializable", zap.Error(err))
		return false
	}
	if err := doc.Transact(a, func(tx *crdt.Transaction) {
		tx.Set(a.formID, string(data))
	}); err != nil {
		a.logger.Warn("write content", zap.Error(err))
		return false
	}
	return true
}

// GetContent returns the parsed form value, or nil when it is missing or
// unreadable. Numbers come back as json.Number with the exact text that was
// written, so large integers survive the round trip.
func (a *Adapter) GetContent() any {
	content, _ := a.read()
	return content
}

// Decode parses the form value into v.
func (a *Adapter) Decode(v any) bool {
	doc := a.document()
	if doc == nil {
		return false
	}
	raw, ok := doc.Get(a.formID)
	if !ok {
		return false
	}
	if err := decodeJSON(raw, v); err != nil {
		a.logger.Debug("stored content unreadable", zap.Error(err))
		return false
	}
	return true
}

// read distinguishes a stored null (nil, true) from a missing or
// unreadable value (nil, false).
func (a *Adapter) read() (any, bool) {
	var content any
	if !a.Decode(&content) {
		return nil, false
	}
	return content, true
}

func decodeJSON(raw string, v any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after content")
	}
	return nil
}

// OnChange registers fn; the returned func removes it.
func (a *Adapter) OnChange(fn func(Change)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

// Detach stops observing the document. Later writes report false.
func (a *Adapter) Detach() {
	a.mu.Lock()
	unobserve := a.unobserve
	a.unobserve = nil
	a.doc = nil
	a.listeners = make(map[int]func(Change))
	a.mu.Unlock()
	if unobserve != nil {
		unobserve()
	}
}

func (a *Adapter) document() *crdt.Doc {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doc
}

func (a *Adapter) onEvent(event crdt.Event) {
	i := sort.SearchStrings(event.Keys, a.formID)
	if i == len(event.Keys) || event.Keys[i] != a.formID {
		return
	}
	content, ok := a.read()
	if !ok {
		a.logger.Debug("skipping unreadable change")
		return
	}

	a.mu.Lock()
	ids := make([]int, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, a.listeners[id])
	}
	a.mu.Unlock()

	for _, fn := range listeners {
		a.call(fn, Change{Content: content, Local: event.Local})
	}
}

func (a *Adapter) call(fn func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("content listener panicked", zap.Any("panic", r))
		}
	}()
	fn(change)
}
