package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chronicle/collab/internal/auth"
	"chronicle/collab/internal/notify"
	"chronicle/collab/internal/protocol"
)

var testSecret = []byte("relay-test-secret")

func startRelay(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	opts.JWTSecret = testSecret
	opts.Logger = zaptest.NewLogger(t)
	opts.CloseGrace = 200 * time.Millisecond
	server := NewServer(opts)
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		httpServer.Close()
	})
	return server, httpServer.URL
}

func syncURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/sync"
}

func issueToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.NewClaims(subject, "User "+subject, []string{"member"}, uuid.NewString(), time.Hour))
	require.NoError(t, err)
	return token
}

type testConn struct {
	t  *testing.T
	ws *websocket.Conn
}

func rawDial(t *testing.T, base string) *testConn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(syncURL(base), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &testConn{t: t, ws: ws}
}

// join authenticates and waits until the relay placed the connection in
// the document's room.
func join(t *testing.T, base, subject, document string) *testConn {
	t.Helper()
	return joinAs(t, base, subject, document, "")
}

// joinAs is join for a connection that announces its awareness client id.
func joinAs(t *testing.T, base, subject, document, clientID string) *testConn {
	t.Helper()
	c := rawDial(t, base)
	c.send(protocol.Message{Type: protocol.TypeAuth, Token: issueToken(t, subject), Document: document, ClientID: clientID})
	require.Equal(t, protocol.TypeAuthenticated, c.read().Type)
	c.readUntil(protocol.TypeSyncStep1)
	return c
}

func (c *testConn) send(msg protocol.Message) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, protocol.MustEncode(msg)))
}

func (c *testConn) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (c *testConn) read() protocol.Message {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	msg, err := protocol.Decode(data)
	require.NoError(c.t, err)
	return msg
}

func (c *testConn) readUntil(kind protocol.MessageType) protocol.Message {
	c.t.Helper()
	for {
		if msg := c.read(); msg.Type == kind {
			return msg
		}
	}
}

func (c *testConn) close() {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.ws.Close()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.SessionEnded
}

func (n *recordingNotifier) SessionEnded(_ context.Context, event notify.SessionEnded) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) snapshot() []notify.SessionEnded {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.SessionEnded(nil), n.events...)
}

type recordingIndexer struct {
	mu    sync.Mutex
	forms map[string]map[string]string
}

func (i *recordingIndexer) IndexDocument(_ context.Context, document, _ string, forms map[string]string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.forms == nil {
		i.forms = make(map[string]map[string]string)
	}
	i.forms[document] = forms
	return nil
}

func (i *recordingIndexer) get(document string) map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.forms[document]
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
