package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chronicle/collab/internal/awareness"
	"chronicle/collab/internal/crdt"
	"chronicle/collab/internal/protocol"
)

const brokerOrigin = "broker"

// room is the relay's replica of one shared document and the set of
// connections editing it.
type room struct {
	name       string
	proposalID string
	sessionID  string
	instance   string
	doc        *crdt.Doc
	awareness  *awareness.Awareness
	broker     Broker
	logger     *zap.Logger

	// ready is closed once the snapshot is restored; loadErr is set before.
	ready   chan struct{}
	loadErr error
	// members counts joined and joining connections. Guarded by Server.mu.
	members int

	mu          sync.Mutex
	clients     map[*client]struct{}
	dirty       bool
	updates     int
	actor       string
	closed      bool
	unsubscribe func()
}

func (rm *room) add(c *client) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.clients[c] = struct{}{}
	c.enqueue(protocol.MustEncode(protocol.Message{
		Type:        protocol.TypeSyncStep1,
		StateVector: rm.doc.StateVector(),
	}))
	rm.sendAwarenessLocked(c)
}

// leave drops c from the room and returns the presence it leaves behind.
// A presence id still carried by another connection of the room, e.g. a
// reconnect that overtook its old socket, is not reported.
func (rm *room) leave(c *client) []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.clients, c)
	id := c.presence()
	if id == "" {
		return nil
	}
	for other := range rm.clients {
		if other.presence() == id {
			return nil
		}
	}
	return []string{id}
}

func (rm *room) sendAwarenessLocked(c *client) {
	if len(rm.awareness.GetStates()) == 0 {
		return
	}
	data, err := rm.awareness.EncodeAll()
	if err != nil {
		rm.logger.Error("encode awareness", zap.Error(err))
		return
	}
	c.enqueue(protocol.MustEncode(protocol.Message{Type: protocol.TypeAwareness, Awareness: data}))
}

// broadcast sends data to every connection except one (nil for none).
func (rm *room) broadcast(except *client, data []byte) {
	rm.mu.Lock()
	targets := make([]*client, 0, len(rm.clients))
	for c := range rm.clients {
		if c != except {
			targets = append(targets, c)
		}
	}
	rm.mu.Unlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

func (rm *room) publish(data []byte, target string) {
	if rm.broker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rm.broker.Publish(ctx, rm.name, Envelope{Instance: rm.instance, Target: target, Message: data}); err != nil {
		rm.logger.Warn("publish to broker failed", zap.Error(err))
	}
}

func (rm *room) markChanged(actor string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.dirty = true
	if actor != "" {
		rm.updates++
		rm.actor = actor
	}
}

// handleClient applies one message from a connection of this room.
func (rm *room) handleClient(c *client, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSyncStep1:
		diff, err := rm.doc.EncodeDiff(msg.StateVector)
		if err != nil {
			rm.logger.Error("encode sync reply", zap.Error(err))
			return
		}
		c.enqueue(protocol.MustEncode(protocol.Message{Type: protocol.TypeSyncStep2, Update: diff}))

	case protocol.TypeSyncStep2, protocol.TypeUpdate:
		var err error
		if msg.Type == protocol.TypeSyncStep2 {
			err = rm.doc.ApplySyncStep2(msg.Update, c)
		} else {
			err = rm.doc.ApplyUpdate(msg.Update, c)
		}
		if err != nil {
			c.logger.Warn("dropping rejected update", zap.String("type", string(msg.Type)), zap.Error(err))
			return
		}
		if !hasEntries(msg.Update) {
			return
		}
		rm.markChanged(c.claims.Subject)
		out := protocol.MustEncode(protocol.Message{Type: protocol.TypeUpdate, Update: msg.Update})
		rm.broadcast(c, out)
		rm.publish(out, "")

	case protocol.TypeAwareness:
		data, err := c.claim(msg.Awareness)
		if err != nil {
			c.logger.Warn("dropping malformed awareness update", zap.Error(err))
			return
		}
		if data == nil {
			return
		}
		if err := rm.awareness.ApplyUpdate(data, c); err != nil {
			c.logger.Warn("dropping malformed awareness update", zap.Error(err))
			return
		}
		out := protocol.MustEncode(protocol.Message{Type: protocol.TypeAwareness, Awareness: data})
		rm.broadcast(c, out)
		rm.publish(out, "")

	case protocol.TypeQueryAwareness:
		rm.mu.Lock()
		rm.sendAwarenessLocked(c)
		rm.mu.Unlock()

	default:
		c.logger.Debug("ignoring message", zap.String("type", string(msg.Type)))
	}
}

// departed removes the presence of a closed connection and tells everyone.
func (rm *room) departed(ids []string) {
	if len(ids) == 0 {
		return
	}
	rm.awareness.RemoveStates(ids, "disconnect")
	removal, err := rm.awareness.EncodeUpdate(ids)
	if err != nil {
		rm.logger.Error("encode awareness removal", zap.Error(err))
		return
	}
	for _, msg := range []protocol.Message{
		{Type: protocol.TypeAwareness, Awareness: removal},
		{Type: protocol.TypePeerLeft, Clients: ids},
	} {
		out := protocol.MustEncode(msg)
		rm.broadcast(nil, out)
		rm.publish(out, "")
	}
}

// handleRemote applies an envelope published by another relay instance.
func (rm *room) handleRemote(envelope Envelope) {
	if envelope.Instance == rm.instance || (envelope.Target != "" && envelope.Target != rm.instance) {
		return
	}
	rm.mu.Lock()
	closed := rm.closed
	rm.mu.Unlock()
	if closed {
		return
	}

	msg, err := protocol.Decode(envelope.Message)
	if err != nil {
		rm.logger.Warn("dropping undecodable envelope", zap.String("from", envelope.Instance), zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.TypeSyncStep1:
		diff, err := rm.doc.EncodeDiff(msg.StateVector)
		if err != nil {
			rm.logger.Error("encode sync reply", zap.Error(err))
			return
		}
		rm.publish(protocol.MustEncode(protocol.Message{Type: protocol.TypeSyncStep2, Update: diff}), envelope.Instance)

	case protocol.TypeSyncStep2, protocol.TypeUpdate:
		if msg.Type == protocol.TypeSyncStep2 {
			err = rm.doc.ApplySyncStep2(msg.Update, brokerOrigin)
		} else {
			err = rm.doc.ApplyUpdate(msg.Update, brokerOrigin)
		}
		if err != nil {
			rm.logger.Warn("dropping rejected remote update", zap.Error(err))
			return
		}
		if !hasEntries(msg.Update) {
			return
		}
		rm.markChanged("")
		rm.broadcast(nil, protocol.MustEncode(protocol.Message{Type: protocol.TypeUpdate, Update: msg.Update}))

	case protocol.TypeAwareness:
		if err := rm.awareness.ApplyUpdate(msg.Awareness, brokerOrigin); err != nil {
			rm.logger.Warn("dropping malformed remote awareness", zap.Error(err))
			return
		}
		rm.broadcast(nil, envelope.Message)

	case protocol.TypePeerLeft:
		rm.awareness.RemoveStates(msg.Clients, brokerOrigin)
		rm.broadcast(nil, envelope.Message)
	}
}

func hasEntries(data []byte) bool {
	update, err := crdt.DecodeUpdate(data)
	return err == nil && len(update.Entries) > 0
}
