package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chronicle/collab/internal/awareness"
	"chronicle/collab/internal/presence"
)

type fixedSurface struct {
	rect Rect
	err  error
}

func (s fixedSurface) Bounds() (Rect, error) { return s.rect, s.err }

type publishLog struct {
	mu        sync.Mutex
	positions []Position
}

func (l *publishLog) PublishCursor(p Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = append(l.positions, p)
}

func (l *publishLog) snapshot() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Position(nil), l.positions...)
}

func TestBroadcasterSendsLastPositionOncePerWindow(t *testing.T) {
	mock := clock.NewMock()
	log := &publishLog{}
	b := NewBroadcaster(fixedSurface{rect: Rect{X: 100, Y: 40}}, log, DefaultInterval, mock, zaptest.NewLogger(t))

	for i := 0; i < 10; i++ {
		b.SelectionChanged(&SelectionChange{Anchor: i, Focus: i, Caret: Rect{X: 110 + float64(i), Y: 60}})
	}
	mock.Add(DefaultInterval)
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, time.Millisecond)

	got := log.snapshot()[0]
	require.NotNil(t, got.Cursor)
	assert.Equal(t, presence.Cursor{Anchor: 9, Focus: 9, AbsoluteX: 19, AbsoluteY: 20}, *got.Cursor)
	assert.Equal(t, &presence.Selection{Anchor: 9, Head: 9}, got.Selection)
}

func TestBroadcasterClearsCursorWhenSelectionIsLost(t *testing.T) {
	log := &publishLog{}
	b := NewBroadcaster(fixedSurface{}, log, DefaultInterval, clock.NewMock(), nil)

	b.SelectionChanged(&SelectionChange{Anchor: 1, Focus: 4})
	b.SelectionChanged(nil)
	b.Flush()

	require.Len(t, log.snapshot(), 1)
	assert.Nil(t, log.snapshot()[0].Cursor)
	assert.Nil(t, log.snapshot()[0].Selection)
}

func TestBroadcasterHidesCursorWhenSurfaceIsMissing(t *testing.T) {
	log := &publishLog{}
	b := NewBroadcaster(fixedSurface{err: errors.New("not mounted")}, log, 0, nil, zaptest.NewLogger(t))

	b.SelectionChanged(&SelectionChange{Anchor: 2, Focus: 3})

	require.Len(t, log.snapshot(), 1)
	assert.Nil(t, log.snapshot()[0].Cursor)
	assert.Equal(t, &presence.Selection{Anchor: 2, Head: 3}, log.snapshot()[0].Selection)
}

func TestBroadcasterStopDropsPending(t *testing.T) {
	log := &publishLog{}
	b := NewBroadcaster(nil, log, DefaultInterval, clock.NewMock(), nil)
	b.Update(&presence.Cursor{Anchor: 1}, nil)
	b.Stop()
	b.Flush()
	b.Update(&presence.Cursor{Anchor: 2}, nil)
	b.Flush()
	assert.Empty(t, log.snapshot())
}

func TestBroadcasterSurvivesPublisherPanic(t *testing.T) {
	b := NewBroadcaster(nil, PublisherFunc(func(Position) { panic("boom") }), 0, nil, zaptest.NewLogger(t))
	assert.NotPanics(t, func() { b.SelectionChanged(nil) })
}

type op struct {
	kind     string
	clientID string
	x, y     float64
	visible  bool
}

type recordingTarget struct {
	mu        sync.Mutex
	ops       []op
	attached  map[string]View
	failMove  map[string]bool
	panicFrom string
}

func newRecordingTarget() *recordingTarget {
	return &recordingTarget{attached: map[string]View{}, failMove: map[string]bool{}}
}

func (t *recordingTarget) Attach(v View) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.ClientID == t.panicFrom {
		panic("attach exploded")
	}
	t.attached[v.ClientID] = v
	t.ops = append(t.ops, op{kind: "attach", clientID: v.ClientID})
	return nil
}

func (t *recordingTarget) Move(clientID string, x, y float64, visible bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failMove[clientID] {
		return fmt.Errorf("no geometry for %s", clientID)
	}
	t.ops = append(t.ops, op{kind: "move", clientID: clientID, x: x, y: y, visible: visible})
	return nil
}

func (t *recordingTarget) Detach(clientID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attached, clientID)
	t.ops = append(t.ops, op{kind: "detach", clientID: clientID})
	return nil
}

func (t *recordingTarget) snapshot() ([]op, map[string]View) {
	t.mu.Lock()
	defer t.mu.Unlock()
	attached := make(map[string]View, len(t.attached))
	for k, v := range t.attached {
		attached[k] = v
	}
	return append([]op(nil), t.ops...), attached
}

func (t *recordingTarget) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = nil
}

type countingSource struct {
	*awareness.Awareness
	passes atomic.Int32
}

func (s *countingSource) GetStates() map[string]json.RawMessage {
	s.passes.Add(1)
	return s.Awareness.GetStates()
}

var peerClock atomic.Uint64

func peerState(t *testing.T, clientID string, state presence.State) []byte {
	t.Helper()
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	data, err := json.Marshal(awareness.Update{Clients: []awareness.ClientState{{ClientID: clientID, Clock: peerClock.Add(1), State: raw}}})
	require.NoError(t, err)
	return data
}

func newTestRenderer(t *testing.T, target RenderTarget, mock *clock.Mock) (*Renderer, *countingSource) {
	t.Helper()
	local := awareness.New("self", mock, nil)
	require.NoError(t, local.SetLocalState(presence.State{UserID: "me", DisplayName: "Me"}))
	source := &countingSource{Awareness: local}
	r := NewRenderer(RendererOptions{
		Source:        source,
		SelfClientID:  "self",
		SelfUserID:    "me",
		Target:        target,
		FrameInterval: DefaultFrameInterval,
		Clock:         mock,
		Logger:        zaptest.NewLogger(t),
	})
	t.Cleanup(r.Stop)
	return r, source
}

func TestRendererCollapsesInvalidationsIntoOnePass(t *testing.T) {
	mock := clock.NewMock()
	target := newRecordingTarget()
	r, source := newTestRenderer(t, target, mock)

	for i := 0; i < 5; i++ {
		require.NoError(t, source.ApplyUpdate(peerState(t, "c1", presence.State{
			UserID:      "u1",
			DisplayName: "Ada",
			Cursor:      &presence.Cursor{AbsoluteX: float64(i), AbsoluteY: 8},
		}), "test"))
		r.Invalidate()
	}
	mock.Add(DefaultFrameInterval)
	require.Eventually(t, func() bool {
		ops, _ := target.snapshot()
		return len(ops) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), source.passes.Load())

	ops, attached := target.snapshot()
	assert.Equal(t, []op{
		{kind: "attach", clientID: "c1"},
		{kind: "move", clientID: "c1", x: 4, y: 8, visible: true},
	}, ops)
	assert.Equal(t, "Ada", attached["c1"].Name)
	assert.Equal(t, presence.ColorFor("u1"), attached["c1"].Color)
	assert.NotContains(t, attached, "self")
}

func TestRendererHidesMovesAndDetaches(t *testing.T) {
	mock := clock.NewMock()
	target := newRecordingTarget()
	r, source := newTestRenderer(t, target, mock)

	require.NoError(t, source.ApplyUpdate(peerState(t, "c1", presence.State{UserID: "u1", DisplayName: "Ada"}), "test"))
	r.Invalidate()
	r.Flush()
	ops, _ := target.snapshot()
	assert.Equal(t, op{kind: "move", clientID: "c1", visible: false}, ops[len(ops)-1], "a null cursor is attached but hidden")

	target.reset()
	r.Invalidate()
	r.Flush()
	ops, _ = target.snapshot()
	assert.Empty(t, ops, "an unchanged peer is not touched")

	source.RemoveStates([]string{"c1"}, "peer_left")
	r.Invalidate()
	r.Flush()
	ops, attached := target.snapshot()
	assert.Equal(t, []op{{kind: "detach", clientID: "c1"}}, ops)
	assert.Empty(t, attached)
}

func TestRendererDegradesTargetFailuresToHiddenCursor(t *testing.T) {
	mock := clock.NewMock()
	target := newRecordingTarget()
	target.failMove["c1"] = true
	target.panicFrom = "c2"
	r, source := newTestRenderer(t, target, mock)

	require.NoError(t, source.ApplyUpdate(peerState(t, "c1", presence.State{UserID: "u1", Cursor: &presence.Cursor{}}), "test"))
	require.NoError(t, source.ApplyUpdate(peerState(t, "c2", presence.State{UserID: "u2", Cursor: &presence.Cursor{}}), "test"))
	require.NoError(t, source.ApplyUpdate(peerState(t, "c3", presence.State{UserID: "u3", Cursor: &presence.Cursor{AbsoluteX: 3}}), "test"))

	require.NotPanics(t, func() {
		r.Invalidate()
		r.Flush()
	})
	_, attached := target.snapshot()
	assert.NotContains(t, attached, "c1")
	assert.NotContains(t, attached, "c2")
	assert.Contains(t, attached, "c3")
	assert.Len(t, r.Users(), 3, "render failures never affect the user list")
}

func TestRendererUserListChangesOnlyWithMembership(t *testing.T) {
	mock := clock.NewMock()
	r, source := newTestRenderer(t, nil, mock)

	var calls [][]presence.User
	var mu sync.Mutex
	r.OnUsers(func(users []presence.User) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, users)
	})

	require.NoError(t, source.ApplyUpdate(peerState(t, "c1", presence.State{UserID: "u1", DisplayName: "Ada"}), "test"))
	require.NoError(t, source.ApplyUpdate(peerState(t, "c2", presence.State{UserID: "u1", DisplayName: "Ada"}), "test"))
	r.Invalidate()
	r.Flush()

	require.NoError(t, source.ApplyUpdate(peerState(t, "c1", presence.State{UserID: "u1", DisplayName: "Ada", Cursor: &presence.Cursor{AbsoluteX: 9}}), "test"))
	r.Invalidate()
	r.Flush()

	source.RemoveStates([]string{"c1", "c2"}, "peer_left")
	r.Invalidate()
	r.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.Equal(t, []presence.User{{ID: "u1", Name: "Ada", Color: presence.ColorFor("u1")}}, calls[0])
	assert.Empty(t, calls[1])
}

func TestRendererStopDetachesEverything(t *testing.T) {
	target := newRecordingTarget()
	r, source := newTestRenderer(t, target, clock.NewMock())
	require.NoError(t, source.ApplyUpdate(peerState(t, "c1", presence.State{UserID: "u1"}), "test"))
	r.Invalidate()
	r.Flush()

	r.Stop()
	_, attached := target.snapshot()
	assert.Empty(t, attached)

	r.Invalidate()
	r.Flush()
	_, attached = target.snapshot()
	assert.Empty(t, attached)
}
