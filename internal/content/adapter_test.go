package content

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chronicle/collab/internal/crdt"
)

func TestSendUpdateThenGetContentRoundTrips(t *testing.T) {
	values := map[string]any{
		"object":  map[string]any{"title": "Budget", "items": []any{1.5, "two", nil, true}},
		"empty":   []any{},
		"string":  "plain",
		"number":  42,
		"null":    nil,
		"big int": map[string]any{"id": uint64(9007199254740993)},
	}
	for name, value := range values {
		t.Run(name, func(t *testing.T) {
			a := New(crdt.NewDoc("a", nil), "form-1", zaptest.NewLogger(t))
			require.True(t, a.SendUpdate(value))

			want, err := json.Marshal(value)
			require.NoError(t, err)
			got, err := json.Marshal(a.GetContent())
			require.NoError(t, err)
			assert.Equal(t, string(want), string(got))
		})
	}
}

func TestLargeIntegersKeepTheirPrecision(t *testing.T) {
	a := New(crdt.NewDoc("a", nil), "form-1", nil)
	require.True(t, a.SendUpdate(map[string]any{"id": int64(9007199254740993)}))

	content, ok := a.GetContent().(map[string]any)
	require.True(t, ok)
	id, ok := content["id"].(json.Number)
	require.True(t, ok)
	n, err := id.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), n)
}

func TestDecodeIntoTypedValue(t *testing.T) {
	type budget struct {
		Total int `json:"total"`
	}
	a := New(crdt.NewDoc("a", nil), "budget", nil)
	require.True(t, a.SendUpdate(budget{Total: 7}))

	var got budget
	require.True(t, a.Decode(&got))
	assert.Equal(t, 7, got.Total)
}

func TestMissingOrMalformedContentReadsAsNil(t *testing.T) {
	doc := crdt.NewDoc("a", nil)
	a := New(doc, "form-1", zaptest.NewLogger(t))
	assert.Nil(t, a.GetContent())

	require.NoError(t, doc.Set("form-1", "{not json"))
	assert.Nil(t, a.GetContent())

	require.NoError(t, doc.Set("form-1", `{} {}`))
	assert.Nil(t, a.GetContent())
}

func TestNullContentIsAChange(t *testing.T) {
	doc := crdt.NewDoc("a", nil)
	a := New(doc, "form-1", nil)
	require.True(t, a.SendUpdate(map[string]any{"v": "x"}))

	var changes []Change
	a.OnChange(func(c Change) { changes = append(changes, c) })
	require.True(t, a.SendUpdate(nil))
	require.NoError(t, doc.Set("form-1", "garbage"))

	require.Len(t, changes, 1)
	assert.Nil(t, changes[0].Content)
	assert.True(t, changes[0].Local)
}

func TestSendUpdateRejectsUnserializableContent(t *testing.T) {
	a := New(crdt.NewDoc("a", nil), "form-1", zaptest.NewLogger(t))
	assert.False(t, a.SendUpdate(math.Inf(1)))
	assert.False(t, a.SendUpdate(func() {}))
	assert.Nil(t, a.GetContent())
}

func TestOnChangeFiresOncePerTransactionOnTheForm(t *testing.T) {
	doc := crdt.NewDoc("a", nil)
	a := New(doc, "form-1", nil)
	var changes []Change
	a.OnChange(func(c Change) { changes = append(changes, c) })

	require.True(t, a.SendUpdate(map[string]any{"v": 1.0}))
	require.NoError(t, doc.Set("other-form", `{}`))
	require.NoError(t, doc.Transact(nil, func(tx *crdt.Transaction) {
		tx.Set("form-1", `{"v":2}`)
		tx.Set("form-1", `{"v":3}`)
	}))
	require.NoError(t, doc.Set("form-1", "garbage"))

	require.Len(t, changes, 2)
	assert.True(t, changes[0].Local)
	assert.Equal(t, map[string]any{"v": json.Number("3")}, changes[1].Content)
}

func TestRemoteChangesReachListeners(t *testing.T) {
	local := crdt.NewDoc("a", nil)
	remote := crdt.NewDoc("b", nil)
	var update []byte
	remote.Observe(func(ev crdt.Event) { update = ev.Update })

	a := New(local, "form-1", nil)
	var got []Change
	a.OnChange(func(c Change) { got = append(got, c) })

	require.True(t, New(remote, "form-1", nil).SendUpdate(map[string]any{"b": 2.0}))
	require.NoError(t, local.ApplyUpdate(update, "relay"))

	require.Len(t, got, 1)
	assert.False(t, got[0].Local)
	assert.Equal(t, map[string]any{"b": json.Number("2")}, a.GetContent())
}

func TestDetach(t *testing.T) {
	doc := crdt.NewDoc("a", nil)
	a := New(doc, "form-1", nil)
	calls := 0
	a.OnChange(func(Change) { calls++ })
	a.Detach()

	assert.False(t, a.SendUpdate(map[string]any{}))
	require.NoError(t, doc.Set("form-1", `{}`))
	assert.Equal(t, 0, calls)
	assert.Nil(t, a.GetContent())
}

func TestListenerPanicIsContained(t *testing.T) {
	a := New(crdt.NewDoc("a", nil), "form-1", zaptest.NewLogger(t))
	a.OnChange(func(Change) { panic("host bug") })
	assert.NotPanics(t, func() { a.SendUpdate(map[string]any{}) })
}
