package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/collab/internal/crdt"
)

func TestDecodeKnownMessage(t *testing.T) {
	data := MustEncode(Message{
		Type:        TypeSyncStep1,
		StateVector: crdt.StateVector{"a": 3},
	})
	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeSyncStep1, msg.Type)
	assert.Equal(t, uint64(3), msg.StateVector["a"])
}

func TestDecodeCarriesRawPayloads(t *testing.T) {
	data := MustEncode(Message{Type: TypeUpdate, Update: json.RawMessage(`{"entries":[]}`)})
	msg, err := Decode(data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"entries":[]}`, string(msg.Update))
}

func TestDecodeRejectsUnknownAndGarbage(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = Decode([]byte(`{"type":`))
	assert.Error(t, err)
}
