package cursor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"chronicle/collab/internal/presence"
	"chronicle/collab/internal/ratelimit"
)

// DefaultFrameInterval batches presence changes into one pass per frame.
const DefaultFrameInterval = 16 * time.Millisecond

// View is the label drawn next to a remote caret.
type View struct {
	ClientID string
	Name     string
	Role     string
	Color    string
}

// RenderTarget owns the output surface. Every method addresses one remote
// connection by its awareness client id.
type RenderTarget interface {
	Attach(View) error
	Move(clientID string, x, y float64, visible bool) error
	Detach(clientID string) error
}

// StateSource is the presence channel as seen by the renderer.
type StateSource interface {
	GetStates() map[string]json.RawMessage
}

type placement struct {
	view    View
	x, y    float64
	visible bool
}

type RendererOptions struct {
	Source StateSource
	// SelfClientID is never drawn.
	SelfClientID string
	// SelfUserID is left out of the user list.
	SelfUserID string
	// Target may be nil, in which case only the user list is maintained.
	Target        RenderTarget
	FrameInterval time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
}

type Renderer struct {
	opts   RendererOptions
	logger *zap.Logger
	frame  *ratelimit.Throttle[struct{}]

	// passMu serializes passes; mu guards the fields below.
	passMu   sync.Mutex
	mu       sync.Mutex
	placed   map[string]placement
	users    *presence.UserList
	current  []presence.User
	handlers map[int]func([]presence.User)
	nextID   int
	stopped  bool
}

func NewRenderer(opts RendererOptions) *Renderer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Renderer{
		opts:     opts,
		logger:   opts.Logger.Named("cursor_render"),
		placed:   make(map[string]placement),
		users:    presence.NewUserList(opts.SelfUserID),
		current:  []presence.User{},
		handlers: make(map[int]func([]presence.User)),
	}
	r.frame = ratelimit.NewThrottle(opts.FrameInterval, opts.Clock, func(struct{}) { r.pass() })
	return r
}

// Invalidate requests a pass on the next frame.
func (r *Renderer) Invalidate() {
	r.frame.Submit(struct{}{})
}

// Flush runs a requested pass immediately.
func (r *Renderer) Flush() {
	r.frame.Flush()
}

// Users returns the last computed list of remote users.
func (r *Renderer) Users() []presence.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presence.User(nil), r.current...)
}

// OnUsers registers fn for user list changes. The returned func detaches it.
func (r *Renderer) OnUsers(fn func([]presence.User)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers, id)
	}
}

// Stop cancels pending frames and removes every cursor from the target.
func (r *Renderer) Stop() {
	r.frame.Stop()
	r.passMu.Lock()
	defer r.passMu.Unlock()

	r.mu.Lock()
	r.stopped = true
	ids := r.placedIDs()
	r.placed = make(map[string]placement)
	r.handlers = make(map[int]func([]presence.User))
	r.mu.Unlock()

	for _, id := range ids {
		r.detach(id)
	}
}

func (r *Renderer) pass() {
	users, handlers := r.refresh()
	for _, fn := range handlers {
		r.notify(fn, users)
	}
}

// refresh runs one render pass and returns the user list handlers to notify.
func (r *Renderer) refresh() ([]presence.User, []func([]presence.User)) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, nil
	}
	r.mu.Unlock()

	states := r.opts.Source.GetStates()
	if r.opts.Target != nil {
		r.render(states)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	users, changed := r.users.Update(states)
	if !changed {
		return nil, nil
	}
	r.current = users
	return users, r.snapshotHandlers()
}

// render diffs the drawn cursors against states. Must be called with passMu held.
func (r *Renderer) render(states map[string]json.RawMessage) {
	seen := make(map[string]struct{}, len(states))
	clientIDs := make([]string, 0, len(states))
	for id := range states {
		clientIDs = append(clientIDs, id)
	}
	sort.Strings(clientIDs)

	for _, clientID := range clientIDs {
		if clientID == r.opts.SelfClientID {
			continue
		}
		state, ok := presence.Decode(states[clientID])
		if !ok {
			continue
		}
		seen[clientID] = struct{}{}

		next := placement{view: viewOf(clientID, state)}
		if state.Cursor != nil {
			next.x, next.y, next.visible = state.Cursor.AbsoluteX, state.Cursor.AbsoluteY, true
		}

		r.mu.Lock()
		previous, drawn := r.placed[clientID]
		r.mu.Unlock()
		if drawn && previous == next {
			continue
		}
		if drawn && previous.view != next.view {
			r.detach(clientID)
			drawn = false
		}
		if !drawn {
			if err := r.call(func() error { return r.opts.Target.Attach(next.view) }); err != nil {
				r.logger.Debug("attach cursor failed", zap.String("client", clientID), zap.Error(err))
				r.forget(clientID)
				continue
			}
		}
		if err := r.call(func() error {
			return r.opts.Target.Move(clientID, next.x, next.y, next.visible)
		}); err != nil {
			r.logger.Debug("move cursor failed", zap.String("client", clientID), zap.Error(err))
			r.detach(clientID)
			continue
		}
		r.mu.Lock()
		r.placed[clientID] = next
		r.mu.Unlock()
	}

	r.mu.Lock()
	var departed []string
	for _, id := range r.placedIDs() {
		if _, ok := seen[id]; !ok {
			departed = append(departed, id)
		}
	}
	r.mu.Unlock()
	for _, id := range departed {
		r.detach(id)
	}
}

func (r *Renderer) detach(clientID string) {
	r.forget(clientID)
	if r.opts.Target == nil {
		return
	}
	if err := r.call(func() error { return r.opts.Target.Detach(clientID) }); err != nil {
		r.logger.Debug("detach cursor failed", zap.String("client", clientID), zap.Error(err))
	}
}

func (r *Renderer) forget(clientID string) {
	r.mu.Lock()
	delete(r.placed, clientID)
	r.mu.Unlock()
}

// call turns a target panic into an error.
func (r *Renderer) call(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("render target panicked: %v", rec)
		}
	}()
	return fn()
}

func (r *Renderer) notify(fn func([]presence.User), users []presence.User) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("user list handler panicked", zap.Any("panic", rec))
		}
	}()
	fn(append([]presence.User(nil), users...))
}

// placedIDs must be called with mu held.
func (r *Renderer) placedIDs() []string {
	ids := make([]string, 0, len(r.placed))
	for id := range r.placed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// snapshotHandlers must be called with mu held.
func (r *Renderer) snapshotHandlers() []func([]presence.User) {
	ids := make([]int, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func([]presence.User), 0, len(ids))
	for _, id := range ids {
		out = append(out, r.handlers[id])
	}
	return out
}

func viewOf(clientID string, state presence.State) View {
	color := state.Color
	if color == "" {
		color = presence.ColorFor(state.UserID)
	}
	name := state.DisplayName
	if name == "" {
		name = state.UserID
	}
	return View{ClientID: clientID, Name: name, Role: state.Role, Color: color}
}
