// Package cursor captures the local caret for the presence channel and draws
// remote carets onto a render target.
package cursor

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"chronicle/collab/internal/presence"
	"chronicle/collab/internal/ratelimit"
)

// DefaultInterval caps cursor broadcasts at 20 per second.
const DefaultInterval = 50 * time.Millisecond

type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Surface is the editable area carets are positioned against.
type Surface interface {
	Bounds() (Rect, error)
}

// SelectionChange is a local selection. Caret is in the same coordinate
// space as the surface bounds, typically the viewport.
type SelectionChange struct {
	Anchor int
	Focus  int
	Caret  Rect
}

// Position is what one broadcast carries. A nil Cursor means the local user
// has no selection.
type Position struct {
	Cursor    *presence.Cursor
	Selection *presence.Selection
}

type Publisher interface {
	PublishCursor(Position)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Position)

func (f PublisherFunc) PublishCursor(p Position) { f(p) }

type Broadcaster struct {
	surface   Surface
	publisher Publisher
	throttle  *ratelimit.Throttle[Position]
	logger    *zap.Logger
}

func NewBroadcaster(surface Surface, publisher Publisher, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		surface:   surface,
		publisher: publisher,
		logger:    logger.Named("cursor"),
	}
	b.throttle = ratelimit.NewThrottle(interval, clk, b.publish)
	return b
}

// SelectionChanged records the latest local selection. nil means the
// selection was lost.
func (b *Broadcaster) SelectionChanged(change *SelectionChange) {
	if change == nil {
		b.throttle.Submit(Position{})
		return
	}
	selection := &presence.Selection{Anchor: change.Anchor, Head: change.Focus}
	if b.surface == nil {
		b.throttle.Submit(Position{Selection: selection})
		return
	}
	bounds, err := b.surface.Bounds()
	if err != nil {
		b.logger.Debug("surface bounds unavailable", zap.Error(err))
		b.throttle.Submit(Position{Selection: selection})
		return
	}
	b.throttle.Submit(Position{
		Cursor: &presence.Cursor{
			Anchor:    change.Anchor,
			Focus:     change.Focus,
			AbsoluteX: change.Caret.X - bounds.X,
			AbsoluteY: change.Caret.Y - bounds.Y,
		},
		Selection: selection,
	})
}

// Update submits an already computed position.
func (b *Broadcaster) Update(cursor *presence.Cursor, selection *presence.Selection) {
	b.throttle.Submit(Position{Cursor: cursor, Selection: selection})
}

// Flush publishes a pending position now.
func (b *Broadcaster) Flush() {
	b.throttle.Flush()
}

// Stop drops any pending position. Later changes are ignored.
func (b *Broadcaster) Stop() {
	b.throttle.Stop()
}

func (b *Broadcaster) publish(p Position) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("cursor publisher panicked", zap.Any("panic", r))
		}
	}()
	b.publisher.PublishCursor(p)
}
