// Package selection tracks the live text selection, anchors the floating
// action bar and palette into the viewport, and closes or repositions them
// on the signals that invalidate the geometry.
package selection

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/odvcencio/margin/pkg/bus"
	"github.com/odvcencio/margin/pkg/highlight"
)

// DefaultBarSize is the assumed footprint of the action bar when the host
// has not measured it yet.
var DefaultBarSize = Size{Width: 240, Height: 40}

// Anchor describes where floating UI should render and why.
type Anchor struct {
	Position Point `json:"position"`
	// SpanID is set when the palette is anchored to an existing highlight
	// (hover) instead of the live selection.
	SpanID string `json:"spanId,omitempty"`
}

// State is the controller's externally visible snapshot.
type State struct {
	Active       bool   `json:"active"`
	StartOffset  int    `json:"startOffset"`
	EndOffset    int    `json:"endOffset"`
	SelectedText string `json:"selectedText"`
	Anchor       Anchor `json:"anchor"`
}

// changedEvent is the payload published on selection change.
type changedEvent struct {
	StartOffset  int    `json:"startOffset"`
	EndOffset    int    `json:"endOffset"`
	SelectedText string `json:"selectedText"`
	Anchor       Anchor `json:"anchor"`
}

// Controller owns the floating-UI lifecycle for one message. Selection
// geometry comes from the host; the controller decides placement and when
// the UI must go away.
type Controller struct {
	store   *highlight.Store
	msgBus  bus.MessageBus
	margin  float64
	barSize Size

	mu       sync.Mutex
	viewport Viewport
	state    State
	bounds   Rect
	subs     []bus.Subscription
}

// Option configures a Controller.
type Option func(*Controller)

// WithBarSize overrides the measured action bar footprint.
func WithBarSize(size Size) Option {
	return func(c *Controller) { c.barSize = size }
}

// NewController creates a controller and subscribes to the signals that
// close or reposition floating UI: scroll, resize, outside interaction and
// explicit cancel.
func NewController(store *highlight.Store, msgBus bus.MessageBus, viewport Viewport, margin float64, opts ...Option) (*Controller, error) {
	c := &Controller{
		store:    store,
		msgBus:   msgBus,
		margin:   margin,
		barSize:  DefaultBarSize,
		viewport: viewport,
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx := context.Background()
	closing := []string{
		bus.SubjectViewportScrolled,
		bus.SubjectOutsideInteract,
		bus.SubjectSelectionCancel,
	}
	for _, subject := range closing {
		sub, err := msgBus.Subscribe(ctx, subject, func(*bus.Message) {
			c.Clear()
		})
		if err != nil {
			c.unsubscribe()
			return nil, err
		}
		c.subs = append(c.subs, sub)
	}

	resize, err := msgBus.Subscribe(ctx, bus.SubjectViewportResized, func(msg *bus.Message) {
		var vp Viewport
		if json.Unmarshal(msg.Data, &vp) == nil && vp.Width > 0 && vp.Height > 0 {
			c.Resize(vp)
		}
	})
	if err != nil {
		c.unsubscribe()
		return nil, err
	}
	c.subs = append(c.subs, resize)

	return c, nil
}

// SetSelection records a live selection with its rendered bounds and anchors
// the action bar. A collapsed selection clears instead.
func (c *Controller) SetSelection(start, end int, selectedText string, bounds Rect) {
	if start >= end {
		c.Clear()
		return
	}

	c.mu.Lock()
	c.bounds = bounds
	c.state = State{
		Active:       true,
		StartOffset:  start,
		EndOffset:    end,
		SelectedText: selectedText,
		Anchor: Anchor{
			Position: AnchorFor(bounds, c.barSize, c.viewport, c.margin),
		},
	}
	event := changedEvent{
		StartOffset:  start,
		EndOffset:    end,
		SelectedText: selectedText,
		Anchor:       c.state.Anchor,
	}
	c.mu.Unlock()

	c.publish(bus.SubjectSelectionChanged, event)
}

// Hover anchors the recolor/remove palette to an existing highlighted span
// instead of the live selection. Returns false when no highlight covers the
// offset.
func (c *Controller) Hover(offset int, spanBounds Rect) (highlight.Highlight, bool) {
	h, ok := c.store.HighlightAt(offset)
	if !ok {
		return highlight.Highlight{}, false
	}

	c.mu.Lock()
	c.bounds = spanBounds
	c.state = State{
		Active:       true,
		StartOffset:  h.StartOffset,
		EndOffset:    h.EndOffset,
		SelectedText: h.SelectedText,
		Anchor: Anchor{
			Position: AnchorFor(spanBounds, c.barSize, c.viewport, c.margin),
			SpanID:   h.ID,
		},
	}
	c.mu.Unlock()
	return h, true
}

// Clear collapses the selection and closes floating UI.
func (c *Controller) Clear() {
	c.mu.Lock()
	wasActive := c.state.Active
	c.state = State{}
	c.bounds = Rect{}
	c.mu.Unlock()

	if wasActive {
		c.publish(bus.SubjectSelectionCleared, struct{}{})
	}
}

// Resize re-clamps the current anchor into the new viewport.
func (c *Controller) Resize(vp Viewport) {
	c.mu.Lock()
	c.viewport = vp
	if c.state.Active {
		c.state.Anchor.Position = AnchorFor(c.bounds, c.barSize, vp, c.margin)
	}
	c.mu.Unlock()
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close drops the bus subscriptions.
func (c *Controller) Close() {
	c.unsubscribe()
}

func (c *Controller) unsubscribe() {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil
}

func (c *Controller) publish(subject string, payload any) {
	if c.msgBus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.msgBus.Publish(context.Background(), subject, data)
}
