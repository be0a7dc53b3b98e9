// Package session is the client side of collaborative editing: one shared
// document, its presence channel and the cursor pipeline for a single form.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"chronicle/collab/internal/awareness"
	"chronicle/collab/internal/content"
	"chronicle/collab/internal/crdt"
	"chronicle/collab/internal/cursor"
	"chronicle/collab/internal/presence"
	"chronicle/collab/internal/protocol"
	"chronicle/collab/internal/provider"
	"chronicle/collab/internal/rbac"
	"chronicle/collab/internal/util"
)

type User struct {
	ID          string
	DisplayName string
	Roles       []string
}

type Config struct {
	// Endpoint is the relay's ws:// or wss:// sync url.
	Endpoint   string
	Entity     string
	ProposalID string
	FormID     string
	User       User
	// DisplayRole overrides the role derived from User.Roles.
	DisplayRole string
	Token       string

	CursorInterval time.Duration
	FrameInterval  time.Duration
	Surface        cursor.Surface
	RenderTarget   cursor.RenderTarget

	Settings *provider.Settings
	// OnStatus is called whenever connectivity changes.
	OnStatus func(Status)
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Status is the user-visible connection indicator.
type Status struct {
	Connected  bool
	Synced     bool
	Connecting bool
	Error      string
}

type Session struct {
	cfg      Config
	clientID string
	logger   *zap.Logger

	doc         *crdt.Doc
	awareness   *awareness.Awareness
	content     *content.Adapter
	broadcaster *cursor.Broadcaster
	renderer    *cursor.Renderer

	mu       sync.Mutex
	local    presence.State
	provider *provider.Provider
	detach   []func()

	closeOnce sync.Once
}

func Open(ctx context.Context, cfg Config) (*Session, error) {
	cfg.ProposalID = strings.TrimSpace(cfg.ProposalID)
	cfg.FormID = strings.TrimSpace(cfg.FormID)
	cfg.User.ID = strings.TrimSpace(cfg.User.ID)
	switch {
	case cfg.ProposalID == "":
		return nil, errors.New("session proposal id is required")
	case cfg.FormID == "":
		return nil, errors.New("session form id is required")
	case cfg.User.ID == "":
		return nil, errors.New("session user id is required")
	}
	name := protocol.DocumentName(cfg.Entity, cfg.ProposalID)
	if _, _, err := protocol.ParseDocumentName(name); err != nil {
		return nil, err
	}
	if cfg.CursorInterval <= 0 {
		cfg.CursorInterval = cursor.DefaultInterval
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = cursor.DefaultFrameInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	clientID := util.NewID("client")
	logger := cfg.Logger.With(zap.String("document", name), zap.String("client", clientID))
	s := &Session{
		cfg:       cfg,
		clientID:  clientID,
		logger:    logger.Named("session"),
		doc:       crdt.NewDoc(clientID, logger),
		awareness: awareness.New(clientID, cfg.Clock, logger),
		local: presence.State{
			UserID:      cfg.User.ID,
			DisplayName: cfg.User.DisplayName,
			Role:        string(rbac.ResolveDisplayRole(cfg.DisplayRole, cfg.User.Roles)),
			Color:       presence.ColorFor(cfg.User.ID),
		},
	}
	s.content = content.New(s.doc, cfg.FormID, logger)
	s.renderer = cursor.NewRenderer(cursor.RendererOptions{
		Source:        s.awareness,
		SelfClientID:  clientID,
		SelfUserID:    cfg.User.ID,
		Target:        cfg.RenderTarget,
		FrameInterval: cfg.FrameInterval,
		Clock:         cfg.Clock,
		Logger:        logger,
	})
	s.broadcaster = cursor.NewBroadcaster(cfg.Surface, cursor.PublisherFunc(s.publishCursor), cfg.CursorInterval, cfg.Clock, logger)
	s.detach = append(s.detach, s.awareness.OnChange(func(awareness.ChangeEvent) {
		s.renderer.Invalidate()
	}))

	if err := s.awareness.SetLocalState(s.local); err != nil {
		s.teardown()
		return nil, fmt.Errorf("set initial presence: %w", err)
	}

	p, err := provider.New(ctx, provider.Options{
		Endpoint:  cfg.Endpoint,
		Name:      name,
		Token:     cfg.Token,
		Doc:       s.doc,
		Awareness: s.awareness,
		Settings:  cfg.Settings,
		Callbacks: provider.Callbacks{
			OnStatus:               func(provider.Status) { s.statusChanged() },
			OnSynced:               func(bool) { s.statusChanged() },
			OnAuthenticationFailed: func(string) { s.statusChanged() },
		},
		Clock:  cfg.Clock,
		Logger: logger,
	})
	if err != nil {
		s.teardown()
		return nil, err
	}
	s.mu.Lock()
	s.provider = p
	s.mu.Unlock()
	s.statusChanged()
	return s, nil
}

func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) Status() Status {
	p := s.currentProvider()
	if p == nil {
		return Status{}
	}
	state := p.State()
	return Status{
		Connected:  state.Status == provider.StatusConnected,
		Synced:     state.Synced,
		Connecting: state.Status == provider.StatusConnecting,
		Error:      state.Err,
	}
}

// Done is closed when the session can no longer connect, after Close or a
// rejected token.
func (s *Session) Done() <-chan struct{} {
	p := s.currentProvider()
	if p == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return p.Done()
}

// ActiveUsers lists the other users editing the document.
func (s *Session) ActiveUsers() []presence.User {
	return s.renderer.Users()
}

// OnActiveUsers registers fn for changes to the set of active users.
func (s *Session) OnActiveUsers(fn func([]presence.User)) func() {
	return s.renderer.OnUsers(fn)
}

// SendUpdate replaces the form's content. Edits made while offline are kept
// and sent once the session reconnects.
func (s *Session) SendUpdate(value any) bool {
	return s.content.SendUpdate(value)
}

func (s *Session) GetContent() any {
	return s.content.GetContent()
}

// DecodeContent unmarshals the form's content into v.
func (s *Session) DecodeContent(v any) bool {
	return s.content.Decode(v)
}

func (s *Session) OnContent(fn func(content.Change)) func() {
	return s.content.OnChange(fn)
}

// UpdateCursor publishes a position computed by the caller.
func (s *Session) UpdateCursor(c *presence.Cursor, selection *presence.Selection) {
	s.broadcaster.Update(c, selection)
}

// SelectionChanged publishes the caret of a local selection. nil clears it.
func (s *Session) SelectionChanged(change *cursor.SelectionChange) {
	s.broadcaster.SelectionChanged(change)
}

// Close leaves the document. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.teardown()
		s.logger.Debug("session closed")
	})
}

func (s *Session) teardown() {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	p := s.provider
	s.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	s.broadcaster.Stop()
	s.renderer.Stop()
	s.content.Detach()

	if p != nil {
		p.Close()
	}

	s.awareness.Destroy()
	s.doc.Destroy()
}

func (s *Session) publishCursor(position cursor.Position) {
	s.mu.Lock()
	s.local.Cursor = position.Cursor
	s.local.Selection = position.Selection
	state := s.local
	s.mu.Unlock()

	if err := s.awareness.SetLocalState(state); err != nil {
		s.logger.Warn("publish cursor failed", zap.Error(err))
	}
}

func (s *Session) statusChanged() {
	if s.cfg.OnStatus == nil || s.currentProvider() == nil {
		return
	}
	status := s.Status()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("status callback panicked", zap.Any("panic", r))
		}
	}()
	s.cfg.OnStatus(status)
}

func (s *Session) currentProvider() *provider.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}
