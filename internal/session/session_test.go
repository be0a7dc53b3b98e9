package session

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chronicle/collab/internal/auth"
	"chronicle/collab/internal/content"
	"chronicle/collab/internal/cursor"
	"chronicle/collab/internal/presence"
	"chronicle/collab/internal/provider"
	"chronicle/collab/internal/relay"
)

var secret = []byte("session-test-secret")

// testRelay can refuse new connections and cut accepted ones, to simulate
// outages and vanished peers.
type testRelay struct {
	url  string
	down atomic.Bool

	mu    sync.Mutex
	conns []net.Conn
}

type trackingListener struct {
	net.Listener
	relay *testRelay
}

func (l trackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.relay.mu.Lock()
		l.relay.conns = append(l.relay.conns, conn)
		l.relay.mu.Unlock()
	}
	return conn, err
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()
	server := relay.NewServer(relay.Options{
		JWTSecret:  secret,
		CloseGrace: 100 * time.Millisecond,
		Logger:     zaptest.NewLogger(t),
	})
	tr := &testRelay{}
	handler := server.Handler()
	httpServer := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tr.down.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	httpServer.Listener = trackingListener{Listener: httpServer.Listener, relay: tr}
	httpServer.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		httpServer.Close()
	})
	tr.url = "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/sync"
	return tr
}

// cut closes the n-th accepted connection without any close handshake.
func (tr *testRelay) cut(t *testing.T, n int) {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Greater(t, len(tr.conns), n)
	require.NoError(t, tr.conns[n].Close())
}

func tokenFor(t *testing.T, key []byte, user User) string {
	t.Helper()
	signed, err := auth.IssueToken(key, auth.NewClaims(user.ID, user.DisplayName, user.Roles, uuid.NewString(), time.Hour))
	require.NoError(t, err)
	return signed
}

func open(t *testing.T, tr *testRelay, user User, configure func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		Endpoint:      tr.url,
		ProposalID:    "p1",
		FormID:        "summary",
		User:          user,
		Token:         tokenFor(t, secret, user),
		FrameInterval: time.Millisecond,
		Settings: &provider.Settings{
			ReconnectMin: 20 * time.Millisecond,
			ReconnectMax: 100 * time.Millisecond,
			CloseGrace:   100 * time.Millisecond,
		},
		Logger: zaptest.NewLogger(t),
	}
	if configure != nil {
		configure(&cfg)
	}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

var (
	ada   = User{ID: "u-ada", DisplayName: "Ada", Roles: []string{"member", "committee_chair"}}
	grace = User{ID: "u-grace", DisplayName: "Grace", Roles: []string{"reviewer"}}
)

func TestOpenValidatesConfig(t *testing.T) {
	cases := map[string]Config{
		"no proposal": {Endpoint: "ws://localhost/sync", FormID: "f", User: ada},
		"no form":     {Endpoint: "ws://localhost/sync", ProposalID: "p1", User: ada},
		"no user":     {Endpoint: "ws://localhost/sync", ProposalID: "p1", FormID: "f"},
		"bad entity":  {Endpoint: "ws://localhost/sync", Entity: "Bad Entity", ProposalID: "p1", FormID: "f", User: ada},
		"bad url":     {Endpoint: "http://localhost/sync", ProposalID: "p1", FormID: "f", User: ada},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Open(context.Background(), cfg)
			assert.Error(t, err)
		})
	}
}

func TestOfflineEditsConverge(t *testing.T) {
	tr := startRelay(t)
	a := open(t, tr, ada, nil)
	require.Eventually(t, func() bool { return a.Status().Synced }, 5*time.Second, 10*time.Millisecond)
	require.True(t, a.SendUpdate(map[string]any{"b": 2}))

	tr.down.Store(true)
	b := open(t, tr, grace, nil)
	require.True(t, b.SendUpdate(map[string]any{"a": 1}))
	assert.False(t, b.Status().Connected)
	assert.Equal(t, map[string]any{"a": json.Number("1")}, b.GetContent(), "offline edits are visible locally at once")

	tr.down.Store(false)
	require.Eventually(t, func() bool {
		return b.Status().Synced && a.GetContent() != nil && assert.ObjectsAreEqual(a.GetContent(), b.GetContent())
	}, 5*time.Second, 10*time.Millisecond)

	var got map[string]float64
	require.True(t, b.DecodeContent(&got))
	assert.Contains(t, []map[string]float64{{"a": 1}, {"b": 2}}, got)
}

func TestContentChangesReachOtherSessions(t *testing.T) {
	tr := startRelay(t)
	a := open(t, tr, ada, nil)
	b := open(t, tr, grace, nil)
	require.Eventually(t, func() bool { return a.Status().Synced && b.Status().Synced }, 5*time.Second, 10*time.Millisecond)

	changes := make(chan any, 4)
	b.OnContent(func(change content.Change) {
		if !change.Local {
			changes <- change.Content
		}
	})
	require.True(t, a.SendUpdate(map[string]any{"title": "Budget"}))

	select {
	case got := <-changes:
		assert.Equal(t, map[string]any{"title": "Budget"}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("remote change never arrived")
	}
}

func TestActiveUsersFollowMembership(t *testing.T) {
	tr := startRelay(t)
	a := open(t, tr, ada, nil)

	var mu sync.Mutex
	var seen [][]presence.User
	a.OnActiveUsers(func(users []presence.User) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, users)
	})
	assert.Empty(t, a.ActiveUsers())

	b := open(t, tr, grace, nil)
	require.Eventually(t, func() bool { return len(a.ActiveUsers()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, presence.User{ID: "u-grace", Name: "Grace", Role: "reviewer", Color: presence.ColorFor("u-grace")}, a.ActiveUsers()[0])

	// A second tab of the same user does not add an entry.
	c := open(t, tr, grace, nil)
	require.Eventually(t, func() bool { return c.Status().Synced }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, a.ActiveUsers(), 1)

	b.Close()
	c.Close()
	require.Eventually(t, func() bool { return len(a.ActiveUsers()) == 0 }, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Len(t, seen[0], 1)
	assert.Empty(t, seen[1])
}

func TestVanishedPeerLeavesActiveUsers(t *testing.T) {
	tr := startRelay(t)
	b := open(t, tr, grace, nil)
	require.Eventually(t, func() bool { return b.Status().Synced }, 5*time.Second, 10*time.Millisecond)
	a := open(t, tr, ada, nil)
	require.Eventually(t, func() bool { return len(a.ActiveUsers()) == 1 }, 5*time.Second, 10*time.Millisecond)

	// b's socket dies without a leave and b cannot reconnect.
	tr.down.Store(true)
	tr.cut(t, 0)

	require.Eventually(t, func() bool { return len(a.ActiveUsers()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, a.Status().Connected)
}

type moveLog struct {
	mu    sync.Mutex
	moves map[string][2]float64
	views map[string]cursor.View
}

func (m *moveLog) Attach(v cursor.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views[v.ClientID] = v
	return nil
}

func (m *moveLog) Move(clientID string, x, y float64, visible bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if visible {
		m.moves[clientID] = [2]float64{x, y}
	} else {
		delete(m.moves, clientID)
	}
	return nil
}

func (m *moveLog) Detach(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.views, clientID)
	delete(m.moves, clientID)
	return nil
}

func (m *moveLog) position(clientID string) ([2]float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.moves[clientID]
	return p, ok
}

func (m *moveLog) view(clientID string) (cursor.View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[clientID]
	return v, ok
}

type surface struct{}

func (surface) Bounds() (cursor.Rect, error) {
	return cursor.Rect{X: 10, Y: 20, Width: 600, Height: 400}, nil
}

func TestRemoteCursorsAreRendered(t *testing.T) {
	tr := startRelay(t)
	target := &moveLog{moves: map[string][2]float64{}, views: map[string]cursor.View{}}
	a := open(t, tr, ada, func(cfg *Config) { cfg.RenderTarget = target })
	b := open(t, tr, grace, func(cfg *Config) {
		cfg.Surface = surface{}
		cfg.CursorInterval = 5 * time.Millisecond
	})
	require.Eventually(t, func() bool { return len(a.ActiveUsers()) == 1 }, 5*time.Second, 10*time.Millisecond)

	view, ok := target.view(b.ClientID())
	require.True(t, ok, "peers are attached on first sighting")
	assert.Equal(t, "Grace", view.Name)
	_, visible := target.position(b.ClientID())
	assert.False(t, visible, "a fresh session has no cursor")

	b.SelectionChanged(&cursor.SelectionChange{Anchor: 3, Focus: 3, Caret: cursor.Rect{X: 50, Y: 70}})
	require.Eventually(t, func() bool {
		p, ok := target.position(b.ClientID())
		return ok && p == [2]float64{40, 50}
	}, 5*time.Second, 10*time.Millisecond)

	b.SelectionChanged(nil)
	require.Eventually(t, func() bool {
		_, ok := target.position(b.ClientID())
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	b.Close()
	require.Eventually(t, func() bool {
		_, ok := target.view(b.ClientID())
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAuthenticationFailureIsReported(t *testing.T) {
	tr := startRelay(t)
	var mu sync.Mutex
	var statuses []Status
	s := open(t, tr, ada, func(cfg *Config) {
		cfg.Token = tokenFor(t, []byte("someone-else"), ada)
		cfg.OnStatus = func(status Status) {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, status)
		}
	})

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session kept retrying a rejected token")
	}
	status := s.Status()
	assert.False(t, status.Connected)
	assert.False(t, status.Connecting)
	assert.Contains(t, status.Error, "invalid token")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	assert.NotEmpty(t, statuses[len(statuses)-1].Error)
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	tr := startRelay(t)
	s := open(t, tr, ada, nil)
	require.Eventually(t, func() bool { return s.Status().Connected }, 5*time.Second, 10*time.Millisecond)

	s.Close()
	s.Close()
	assert.False(t, s.SendUpdate(map[string]any{"late": true}))
	assert.False(t, s.Status().Connected)
	select {
	case <-s.Done():
	default:
		t.Fatal("closed session still running")
	}
}
