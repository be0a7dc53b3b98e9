// Package relay is the server every replica of a shared document connects
// to. It authenticates connections, keeps a replica of each open document,
// fans operations and presence out to the other connections (and to other
// relay instances through a Broker) and persists the document when the last
// connection leaves.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chronicle/collab/internal/auth"
	"chronicle/collab/internal/awareness"
	"chronicle/collab/internal/crdt"
	"chronicle/collab/internal/notify"
	"chronicle/collab/internal/protocol"
	"chronicle/collab/internal/store"
	"chronicle/collab/internal/util"
)

// Indexer receives the form contents of a document when its session ends.
type Indexer interface {
	IndexDocument(ctx context.Context, document, proposalID string, forms map[string]string) error
}

// Notifier is told about every session that produced edits.
type Notifier interface {
	SessionEnded(ctx context.Context, event notify.SessionEnded) error
}

type Options struct {
	InstanceID      string
	JWTSecret       []byte
	CORSOrigin      string
	AuthTimeout     time.Duration
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	CloseGrace      time.Duration
	FinalizeTimeout time.Duration
	SendBuffer      int
	MaxMessageBytes int64

	Snapshots store.SnapshotStore
	Broker    Broker
	Indexer   Indexer
	Notifier  Notifier
	// Revocations is consulted after a token verifies. Optional.
	Revocations auth.RevocationList
	Clock       clock.Clock
	Logger      *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.InstanceID == "" {
		o.InstanceID = util.NewID("relay")
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 45 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = time.Second
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 4 << 20
	}
	if o.Snapshots == nil {
		o.Snapshots = store.NewMemoryStore()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// RoomInfo summarizes an open document for operators.
type RoomInfo struct {
	Document    string `json:"document"`
	Connections int    `json:"connections"`
	Presence    int    `json:"presence"`
	Updates     int    `json:"updates"`
}

type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu       sync.Mutex
	rooms    map[string]*room
	closing  map[string]chan struct{}
	clients  map[*client]struct{}
	handlers sync.WaitGroup
}

func NewServer(opts Options) *Server {
	opts.applyDefaults()
	s := &Server{
		opts:    opts,
		logger:  opts.Logger.Named("relay").With(zap.String("instance", opts.InstanceID)),
		rooms:   make(map[string]*room),
		closing: make(map[string]chan struct{}),
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) InstanceID() string {
	return s.opts.InstanceID
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.opts.CORSOrigin == "" || s.opts.CORSOrigin == "*" {
		return true
	}
	return strings.EqualFold(origin, s.opts.CORSOrigin)
}

// Rooms lists the open documents, sorted by name.
func (s *Server) Rooms() []RoomInfo {
	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		rooms = append(rooms, rm)
	}
	s.mu.Unlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		info := RoomInfo{Document: rm.name, Connections: len(rm.clients), Updates: rm.updates}
		rm.mu.Unlock()
		info.Presence = len(rm.awareness.GetStates())
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Document < infos[j].Document })
	return infos
}

// Shutdown disconnects every client and waits until their rooms are
// persisted, or until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		c.kick(websocket.CloseGoingAway, "relay shutting down")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type authFailure struct {
	reason string
}

func (e *authFailure) Error() string {
	return "authentication failed: " + e.reason
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.handlers.Add(1)
	defer s.handlers.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.opts.MaxMessageBytes)

	hello, claims, err := s.authenticate(ws)
	if err != nil {
		var failure *authFailure
		if errors.As(err, &failure) {
			s.reject(ws, failure.reason)
		} else {
			s.logger.Debug("connection dropped before authentication", zap.Error(err))
			ws.Close()
		}
		return
	}

	c := newClient(util.NewID("conn"), hello.ClientID, ws, claims, s.opts.SendBuffer, s.logger.With(zap.String("document", hello.Document)))
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writeLoop(s.opts.Clock, s.opts.PingInterval, s.opts.WriteTimeout, s.opts.CloseGrace, readDone)
	}()
	c.enqueue(protocol.MustEncode(protocol.Message{Type: protocol.TypeAuthenticated, ClientID: c.id}))

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FinalizeTimeout)
	rm, err := s.join(ctx, hello.Document, c)
	cancel()
	if err != nil {
		c.logger.Error("join room failed", zap.Error(err))
		close(readDone)
		c.kick(websocket.CloseInternalServerErr, "document unavailable")
		<-writeDone
		return
	}
	c.logger.Info("connection joined", zap.String("name", claims.Name))

	s.readLoop(rm, c)
	close(readDone)
	c.kick(websocket.CloseNormalClosure, "")
	<-writeDone

	ids := rm.leave(c)
	rm.departed(ids)
	s.release(rm)
	c.logger.Info("connection left", zap.Int("presence", len(ids)))
}

func (s *Server) authenticate(ws *websocket.Conn) (protocol.Message, auth.Claims, error) {
	ws.SetReadDeadline(time.Now().Add(s.opts.AuthTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return protocol.Message{}, auth.Claims{}, &authFailure{reason: "authentication timeout"}
		}
		return protocol.Message{}, auth.Claims{}, err
	}
	msg, err := protocol.Decode(data)
	if err != nil || msg.Type != protocol.TypeAuth {
		return protocol.Message{}, auth.Claims{}, &authFailure{reason: "expected auth message"}
	}
	if _, _, err := protocol.ParseDocumentName(msg.Document); err != nil {
		return protocol.Message{}, auth.Claims{}, &authFailure{reason: "invalid document"}
	}
	claims, err := auth.ParseToken(s.opts.JWTSecret, msg.Token)
	if err != nil {
		s.logger.Info("token rejected",
			zap.String("document", msg.Document),
			zap.String("token", shortHash(msg.Token)),
			zap.Error(err))
		if errors.Is(err, auth.ErrExpiredToken) {
			return protocol.Message{}, auth.Claims{}, &authFailure{reason: "token expired"}
		}
		return protocol.Message{}, auth.Claims{}, &authFailure{reason: "invalid token"}
	}
	if s.opts.Revocations != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.AuthTimeout)
		revoked, err := s.opts.Revocations.IsRevoked(ctx, claims.ID)
		cancel()
		if err != nil {
			return protocol.Message{}, auth.Claims{}, fmt.Errorf("check token revocation: %w", err)
		}
		if revoked {
			s.logger.Info("revoked token presented", zap.String("document", msg.Document), zap.String("subject", claims.Subject))
			return protocol.Message{}, auth.Claims{}, &authFailure{reason: "token revoked"}
		}
	}
	ws.SetReadDeadline(time.Time{})
	return msg, claims, nil
}

func shortHash(token string) string {
	if token == "" {
		return ""
	}
	return auth.HashToken(token)[:12]
}

func isTimeout(err error) bool {
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

// reject tells the client why and closes with CloseUnauthorized.
func (s *Server) reject(ws *websocket.Conn, reason string) {
	defer ws.Close()
	deadline := time.Now().Add(s.opts.WriteTimeout)
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, protocol.MustEncode(protocol.Message{
		Type:   protocol.TypeAuthFailed,
		Reason: reason,
	})); err != nil {
		return
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(protocol.CloseUnauthorized, reason), deadline)

	// Wait for the peer to hang up so the close frame is not lost.
	ws.SetReadDeadline(time.Now().Add(s.opts.CloseGrace))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(rm *room, c *client) {
	c.ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Debug("read loop ended", zap.Error(err))
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable message", zap.Error(err))
			continue
		}
		rm.handleClient(c, msg)
	}
}

func (s *Server) join(ctx context.Context, name string, c *client) (*room, error) {
	rm, err := s.reserve(ctx, name)
	if err != nil {
		return nil, err
	}
	select {
	case <-rm.ready:
	case <-ctx.Done():
		s.release(rm)
		return nil, ctx.Err()
	}
	if rm.loadErr != nil {
		s.release(rm)
		return nil, rm.loadErr
	}
	rm.add(c)
	return rm, nil
}

// reserve returns the open room for name, creating and loading it if
// needed. A room that is still being persisted is waited for first.
func (s *Server) reserve(ctx context.Context, name string) (*room, error) {
	for {
		s.mu.Lock()
		if wait, ok := s.closing[name]; ok {
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		rm, ok := s.rooms[name]
		if !ok {
			rm = s.newRoom(name)
			s.rooms[name] = rm
			go s.load(rm)
		}
		rm.members++
		s.mu.Unlock()
		return rm, nil
	}
}

func (s *Server) newRoom(name string) *room {
	_, proposalID, _ := protocol.ParseDocumentName(name)
	sessionID := util.NewID("session")
	logger := s.logger.With(zap.String("document", name), zap.String("session", sessionID))
	clientID := "relay-" + s.opts.InstanceID
	return &room{
		name:       name,
		proposalID: proposalID,
		sessionID:  sessionID,
		instance:   s.opts.InstanceID,
		doc:        crdt.NewDoc(clientID, logger),
		awareness:  awareness.New(clientID, s.opts.Clock, logger),
		broker:     s.opts.Broker,
		logger:     logger,
		ready:      make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

func (s *Server) load(rm *room) {
	defer close(rm.ready)
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FinalizeTimeout)
	defer cancel()

	state, err := s.opts.Snapshots.LoadSnapshot(ctx, rm.name)
	if err != nil {
		rm.loadErr = fmt.Errorf("load snapshot: %w", err)
		return
	}
	if state != nil {
		if err := rm.doc.ApplySyncStep2(state, "snapshot"); err != nil {
			rm.logger.Error("snapshot unreadable, starting empty", zap.Error(err))
		}
	}

	if s.opts.Broker != nil {
		unsubscribe, err := s.opts.Broker.Subscribe(ctx, rm.name, rm.handleRemote)
		if err != nil {
			rm.logger.Warn("broker subscription failed, serving locally", zap.Error(err))
		} else {
			rm.mu.Lock()
			rm.unsubscribe = unsubscribe
			rm.mu.Unlock()
			rm.publish(protocol.MustEncode(protocol.Message{
				Type:        protocol.TypeSyncStep1,
				StateVector: rm.doc.StateVector(),
			}), "")
		}
	}
	rm.logger.Info("room opened", zap.Int("bytes", len(state)))
}

// release drops one membership. The last one out persists and unloads the room.
func (s *Server) release(rm *room) {
	s.mu.Lock()
	rm.members--
	if rm.members > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, rm.name)
	wait := make(chan struct{})
	s.closing[rm.name] = wait
	s.mu.Unlock()

	s.finalize(rm)

	s.mu.Lock()
	delete(s.closing, rm.name)
	s.mu.Unlock()
	close(wait)
}

func (s *Server) finalize(rm *room) {
	rm.mu.Lock()
	rm.closed = true
	dirty, updates, actor := rm.dirty, rm.updates, rm.actor
	unsubscribe := rm.unsubscribe
	rm.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	defer func() {
		rm.awareness.Destroy()
		rm.doc.Destroy()
	}()
	if rm.loadErr != nil || !dirty {
		rm.logger.Info("room closed", zap.Bool("dirty", dirty))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FinalizeTimeout)
	defer cancel()

	state, err := rm.doc.EncodeState()
	if err != nil {
		rm.logger.Error("encode snapshot", zap.Error(err))
		return
	}
	if err := s.opts.Snapshots.SaveSnapshot(ctx, rm.name, state); err != nil {
		rm.logger.Error("save snapshot", zap.Error(err))
	}
	if s.opts.Indexer != nil {
		if err := s.opts.Indexer.IndexDocument(ctx, rm.name, rm.proposalID, rm.doc.Map()); err != nil {
			rm.logger.Warn("index document", zap.Error(err))
		}
	}
	if s.opts.Notifier != nil && updates > 0 {
		if err := s.opts.Notifier.SessionEnded(ctx, notify.SessionEnded{
			SessionID:   rm.sessionID,
			DocumentID:  rm.name,
			ProposalID:  rm.proposalID,
			Actor:       actor,
			UpdateCount: updates,
		}); err != nil {
			rm.logger.Warn("notify session ended", zap.Error(err))
		}
	}
	rm.logger.Info("room closed", zap.Int("bytes", len(state)), zap.Int("updates", updates))
}
