// Package provider keeps one replica connected to the relay: it
// authenticates, exchanges state vectors, streams local operations and
// presence, and reconnects with backoff when the network drops.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chronicle/collab/internal/awareness"
	"chronicle/collab/internal/crdt"
	"chronicle/collab/internal/protocol"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

var ErrAuthenticationFailed = errors.New("authentication failed")

// CloseEvent describes why a connection ended.
type CloseEvent struct {
	Code   int
	Reason string
}

type Callbacks struct {
	OnConnect              func()
	OnDisconnect           func()
	OnSynced               func(synced bool)
	OnAuthenticationFailed func(reason string)
	OnClose                func(CloseEvent)
	OnStatus               func(Status)
	OnPeerLeft             func(clients []string)
}

type Settings struct {
	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	CloseGrace       time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	SendBuffer       int
	// OutdatedTimeout drops silent peers; the local state is renewed at half of it.
	OutdatedTimeout time.Duration
}

func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout: 5 * time.Second,
		AuthTimeout:      5 * time.Second,
		ReadTimeout:      45 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     15 * time.Second,
		CloseGrace:       time.Second,
		ReconnectMin:     250 * time.Millisecond,
		ReconnectMax:     10 * time.Second,
		SendBuffer:       256,
		OutdatedTimeout:  awareness.DefaultOutdatedTimeout,
	}
}

func (s *Settings) withDefaults() *Settings {
	defaults := DefaultSettings()
	if s == nil {
		return defaults
	}
	out := *s
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if out.AuthTimeout <= 0 {
		out.AuthTimeout = defaults.AuthTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = defaults.ReadTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = defaults.WriteTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = defaults.PingInterval
	}
	if out.CloseGrace <= 0 {
		out.CloseGrace = defaults.CloseGrace
	}
	if out.ReconnectMin <= 0 {
		out.ReconnectMin = defaults.ReconnectMin
	}
	if out.ReconnectMax < out.ReconnectMin {
		out.ReconnectMax = defaults.ReconnectMax
		if out.ReconnectMax < out.ReconnectMin {
			out.ReconnectMax = out.ReconnectMin
		}
	}
	if out.SendBuffer <= 0 {
		out.SendBuffer = defaults.SendBuffer
	}
	if out.OutdatedTimeout <= 0 {
		out.OutdatedTimeout = defaults.OutdatedTimeout
	}
	return &out
}

type Options struct {
	Endpoint  string
	Name      string
	Token     string
	Doc       *crdt.Doc
	Awareness *awareness.Awareness
	Settings  *Settings
	Callbacks Callbacks
	Dialer    *websocket.Dialer
	Clock     clock.Clock
	Logger    *zap.Logger
}

// State is a point-in-time view for status displays.
type State struct {
	Status Status
	Synced bool
	Err    string
}

type Provider struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpoint  string
	name      string
	token     string
	doc       *crdt.Doc
	awareness *awareness.Awareness
	settings  *Settings
	callbacks Callbacks
	dialer    *websocket.Dialer
	clock     clock.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	status  Status
	synced  bool
	lastErr string
	out     chan []byte
	conn    *websocket.Conn

	detach    []func()
	done      chan struct{}
	closeOnce sync.Once
}

func New(ctx context.Context, opts Options) (*Provider, error) {
	endpoint, err := url.Parse(strings.TrimSpace(opts.Endpoint))
	if err != nil || (endpoint.Scheme != "ws" && endpoint.Scheme != "wss") {
		return nil, fmt.Errorf("provider endpoint %q must be a ws:// or wss:// url", opts.Endpoint)
	}
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("provider document name is required")
	}
	if opts.Doc == nil || opts.Awareness == nil {
		return nil, errors.New("provider requires a document and an awareness instance")
	}

	settings := opts.Settings.withDefaults()
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	p := &Provider{
		ctx:       cancelCtx,
		cancel:    cancel,
		endpoint:  endpoint.String(),
		name:      opts.Name,
		token:     opts.Token,
		doc:       opts.Doc,
		awareness: opts.Awareness,
		settings:  settings,
		callbacks: opts.Callbacks,
		dialer:    dialer,
		clock:     clk,
		logger:    logger.Named("provider").With(zap.String("document", opts.Name), zap.String("client", opts.Awareness.ClientID())),
		status:    StatusDisconnected,
		done:      make(chan struct{}),
	}
	p.detach = append(p.detach,
		p.doc.Observe(p.onDocumentEvent),
		p.awareness.OnChange(p.onAwarenessChange),
	)
	go p.run()
	return p, nil
}

func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{Status: p.status, Synced: p.synced, Err: p.lastErr}
}

func (p *Provider) Connected() bool {
	return p.State().Status == StatusConnected
}

func (p *Provider) Synced() bool {
	return p.State().Synced
}

// Done is closed once the provider stopped for good, either after Close or
// after an authentication failure.
func (p *Provider) Done() <-chan struct{} {
	return p.done
}

// Close detaches from the document and awareness, tells peers we left and
// closes the connection. It blocks until the connection loop exited.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		for _, fn := range p.detach {
			fn()
		}
		if leave, err := p.encodeLeave(); err == nil {
			p.enqueue(leave)
		}
		p.cancel()
		<-p.done
	})
}

func (p *Provider) run() {
	defer close(p.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.settings.ReconnectMin
	bo.MaxInterval = p.settings.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if p.ctx.Err() != nil {
			p.setStatus(StatusDisconnected)
			return
		}

		p.setStatus(StatusConnecting)
		conn, err := p.connect()
		if err != nil {
			if errors.Is(err, ErrAuthenticationFailed) {
				p.authenticationFailed(err)
				return
			}
			if p.ctx.Err() != nil {
				p.setStatus(StatusDisconnected)
				return
			}
			p.logger.Info("connect failed", zap.Error(err))
			p.setError(err.Error())
			p.setStatus(StatusDisconnected)
			if !p.wait(bo.NextBackOff()) {
				return
			}
			continue
		}

		bo.Reset()
		p.setError("")
		event, authErr := p.serve(conn)
		p.call("OnClose", func() {
			if p.callbacks.OnClose != nil {
				p.callbacks.OnClose(event)
			}
		})
		p.call("OnDisconnect", func() {
			if p.callbacks.OnDisconnect != nil {
				p.callbacks.OnDisconnect()
			}
		})
		if authErr != nil {
			p.authenticationFailed(authErr)
			return
		}
		if p.ctx.Err() != nil {
			return
		}
		p.logger.Info("connection lost", zap.Int("code", event.Code), zap.String("reason", event.Reason))
		if !p.wait(bo.NextBackOff()) {
			return
		}
	}
}

func (p *Provider) wait(delay time.Duration) bool {
	select {
	case <-p.ctx.Done():
		p.setStatus(StatusDisconnected)
		return false
	case <-p.clock.After(delay):
		return true
	}
}

func (p *Provider) connect() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(p.ctx, p.settings.HandshakeTimeout)
	defer cancel()

	conn, _, err := p.dialer.DialContext(dialCtx, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	auth, err := protocol.Encode(protocol.Message{
		Type:     protocol.TypeAuth,
		Token:    p.token,
		Document: p.name,
		ClientID: p.awareness.ClientID(),
	})
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(p.settings.AuthTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		return nil, fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(p.settings.AuthTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	reply, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("auth response: %w", err)
	}
	switch reply.Type {
	case protocol.TypeAuthenticated:
	case protocol.TypeAuthFailed:
		return nil, fmt.Errorf("%w: %s", ErrAuthenticationFailed, reply.Reason)
	default:
		return nil, fmt.Errorf("auth response: unexpected %s message", reply.Type)
	}

	success = true
	return conn, nil
}

// serve runs one authenticated connection until it ends.
func (p *Provider) serve(conn *websocket.Conn) (CloseEvent, error) {
	connCtx, connCancel := context.WithCancel(p.ctx)
	out := make(chan []byte, p.settings.SendBuffer)

	p.mu.Lock()
	p.out = out
	p.conn = conn
	p.mu.Unlock()

	p.setStatus(StatusConnected)
	p.call("OnConnect", func() {
		if p.callbacks.OnConnect != nil {
			p.callbacks.OnConnect()
		}
	})

	p.enqueue(protocol.MustEncode(protocol.Message{
		Type:        protocol.TypeSyncStep1,
		StateVector: p.doc.StateVector(),
	}))
	p.awareness.Renew()
	p.sendLocalAwareness()

	readDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writeLoop(connCtx, conn, out, readDone)
	}()
	go p.awarenessLoop(connCtx)

	event, authErr := p.readLoop(connCtx, conn)
	close(readDone)
	connCancel()
	<-writerDone
	conn.Close()

	p.mu.Lock()
	p.out = nil
	p.conn = nil
	p.mu.Unlock()

	p.setSynced(false)
	p.setStatus(StatusDisconnected)
	p.dropRemotePresence()
	return event, authErr
}

func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn) (CloseEvent, error) {
	conn.SetReadDeadline(time.Now().Add(p.settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(p.settings.ReadTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return CloseEvent{Code: closeErr.Code, Reason: closeErr.Text}, nil
			}
			if ctx.Err() != nil {
				return CloseEvent{Code: websocket.CloseNormalClosure, Reason: "closed by client"}, nil
			}
			return CloseEvent{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}, nil
		}
		conn.SetReadDeadline(time.Now().Add(p.settings.ReadTimeout))

		if reason, failed := p.handle(data); failed {
			return CloseEvent{Code: protocol.CloseUnauthorized, Reason: reason}, fmt.Errorf("%w: %s", ErrAuthenticationFailed, reason)
		}
	}
}

// handle applies one inbound message. It reports an authentication failure
// raised mid-session (e.g. a revoked token).
func (p *Provider) handle(data []byte) (string, bool) {
	msg, err := protocol.Decode(data)
	if err != nil {
		p.logger.Warn("dropping undecodable message", zap.Error(err))
		return "", false
	}

	switch msg.Type {
	case protocol.TypeSyncStep1:
		diff, err := p.doc.EncodeDiff(msg.StateVector)
		if err != nil {
			p.logger.Error("encode sync reply", zap.Error(err))
			return "", false
		}
		p.enqueue(protocol.MustEncode(protocol.Message{Type: protocol.TypeSyncStep2, Update: diff}))
	case protocol.TypeSyncStep2:
		if err := p.doc.ApplySyncStep2(msg.Update, p); err != nil {
			p.logger.Warn("sync reply rejected", zap.Error(err))
			return "", false
		}
		p.setSynced(true)
	case protocol.TypeUpdate:
		if err := p.doc.ApplyUpdate(msg.Update, p); err != nil {
			p.logger.Warn("update rejected", zap.Error(err))
		}
	case protocol.TypeAwareness:
		if err := p.awareness.ApplyUpdate(msg.Awareness, p); err != nil {
			p.logger.Warn("awareness update rejected", zap.Error(err))
		}
	case protocol.TypeQueryAwareness:
		p.sendLocalAwareness()
	case protocol.TypePeerLeft:
		p.awareness.RemoveStates(msg.Clients, p)
		p.call("OnPeerLeft", func() {
			if p.callbacks.OnPeerLeft != nil {
				p.callbacks.OnPeerLeft(msg.Clients)
			}
		})
	case protocol.TypeAuthFailed:
		return msg.Reason, true
	default:
		p.logger.Debug("ignoring message", zap.String("type", string(msg.Type)))
	}
	return "", false
}

func (p *Provider) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte, readDone <-chan struct{}) {
	ping := p.clock.Ticker(p.settings.PingInterval)
	defer ping.Stop()

	write := func(data []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(p.settings.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			p.logger.Info("write failed", zap.Error(err))
			conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case data := <-out:
					if !write(data) {
						return
					}
				default:
					break drain
				}
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(p.settings.WriteTimeout))
			grace := time.NewTimer(p.settings.CloseGrace)
			defer grace.Stop()
			select {
			case <-readDone:
			case <-grace.C:
				conn.Close()
			}
			return
		case data := <-out:
			if !write(data) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.settings.WriteTimeout)); err != nil {
				p.logger.Info("ping failed", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

// awarenessLoop expires silent peers and keeps our own entry fresh.
func (p *Provider) awarenessLoop(ctx context.Context) {
	interval := p.settings.OutdatedTimeout / 2
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.awareness.RemoveOutdated(p.settings.OutdatedTimeout)
			if p.awareness.LocalAge() >= interval {
				p.awareness.Renew()
				p.sendLocalAwareness()
			}
		}
	}
}

func (p *Provider) onDocumentEvent(event crdt.Event) {
	if !event.Local || event.Origin == p || len(event.Update) == 0 {
		return
	}
	p.enqueue(protocol.MustEncode(protocol.Message{Type: protocol.TypeUpdate, Update: event.Update}))
}

func (p *Provider) onAwarenessChange(event awareness.ChangeEvent) {
	if !event.Local {
		return
	}
	p.sendLocalAwareness()
}

func (p *Provider) sendLocalAwareness() {
	data, err := p.awareness.EncodeUpdate([]string{p.awareness.ClientID()})
	if err != nil {
		p.logger.Error("encode awareness", zap.Error(err))
		return
	}
	p.enqueue(protocol.MustEncode(protocol.Message{Type: protocol.TypeAwareness, Awareness: data}))
}

func (p *Provider) encodeLeave() ([]byte, error) {
	data, err := p.awareness.EncodeLeave()
	if err != nil {
		return nil, err
	}
	return protocol.Encode(protocol.Message{Type: protocol.TypeAwareness, Awareness: data})
}

// enqueue hands data to the live connection. Offline, the message is
// dropped: the document resyncs on reconnect. A full queue means the
// connection is stuck, so it is closed to force that resync.
func (p *Provider) enqueue(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil {
		return
	}
	select {
	case p.out <- data:
	default:
		p.logger.Warn("send queue full, resetting connection")
		if p.conn != nil {
			p.conn.Close()
		}
	}
}

// dropRemotePresence forgets every peer once the connection is gone. The
// relay replays current presence on reconnect, at clocks we may already
// have seen.
func (p *Provider) dropRemotePresence() {
	p.awareness.ForgetRemote(p)
}

func (p *Provider) authenticationFailed(err error) {
	reason := strings.TrimPrefix(err.Error(), ErrAuthenticationFailed.Error()+": ")
	p.logger.Warn("authentication failed", zap.String("reason", reason))
	p.setError(err.Error())
	p.setStatus(StatusDisconnected)
	p.call("OnAuthenticationFailed", func() {
		if p.callbacks.OnAuthenticationFailed != nil {
			p.callbacks.OnAuthenticationFailed(reason)
		}
	})
}

func (p *Provider) setStatus(status Status) {
	p.mu.Lock()
	changed := p.status != status
	p.status = status
	p.mu.Unlock()
	if changed {
		p.call("OnStatus", func() {
			if p.callbacks.OnStatus != nil {
				p.callbacks.OnStatus(status)
			}
		})
	}
}

func (p *Provider) setSynced(synced bool) {
	p.mu.Lock()
	changed := p.synced != synced
	p.synced = synced
	p.mu.Unlock()
	if changed {
		p.call("OnSynced", func() {
			if p.callbacks.OnSynced != nil {
				p.callbacks.OnSynced(synced)
			}
		})
	}
}

func (p *Provider) setError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = message
}

// call runs a host callback; a panicking host never takes the provider down.
func (p *Provider) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("callback panicked", zap.String("callback", name), zap.Any("panic", r))
		}
	}()
	fn()
}

// Err returns the last connection or authentication error, if any.
func (p *Provider) Err() string {
	return p.State().Err
}
