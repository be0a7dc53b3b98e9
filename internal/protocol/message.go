// Package protocol defines the messages exchanged between a replica's
// provider and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"chronicle/collab/internal/crdt"
)

type MessageType string

const (
	TypeAuth           MessageType = "auth"
	TypeAuthenticated  MessageType = "authenticated"
	TypeAuthFailed     MessageType = "auth_failed"
	TypeSyncStep1      MessageType = "sync_step1"
	TypeSyncStep2      MessageType = "sync_step2"
	TypeUpdate         MessageType = "update"
	TypeAwareness      MessageType = "awareness"
	TypeQueryAwareness MessageType = "query_awareness"
	TypePeerLeft       MessageType = "peer_left"
)

// Websocket close codes used by the relay.
const (
	CloseUnauthorized = 4401
	CloseSlowConsumer = 4408
	CloseBadMessage   = 4400
)

var ErrUnknownMessage = errors.New("unknown message type")

type Message struct {
	Type        MessageType      `json:"type"`
	Document    string           `json:"document,omitempty"`
	Token       string           `json:"token,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	ClientID    string           `json:"clientId,omitempty"`
	StateVector crdt.StateVector `json:"stateVector,omitempty"`
	Update      json.RawMessage  `json:"update,omitempty"`
	Awareness   json.RawMessage  `json:"awareness,omitempty"`
	Clients     []string         `json:"clients,omitempty"`
}

func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return data, nil
}

// MustEncode is for messages built entirely from trusted values.
func MustEncode(msg Message) []byte {
	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}

func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	switch msg.Type {
	case TypeAuth, TypeAuthenticated, TypeAuthFailed,
		TypeSyncStep1, TypeSyncStep2, TypeUpdate,
		TypeAwareness, TypeQueryAwareness, TypePeerLeft:
		return msg, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}
