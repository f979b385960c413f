// Package bus provides the publish/subscribe channel used for signaling
// inside the annotation subsystem. Selection changes, scroll and resize
// notifications, save statuses and thread events all travel over an injected
// bus instead of ambient window-level listeners. The default implementation
// uses NATS, with an in-memory option for single-process use and testing.
package bus

import (
	"context"
	"errors"
	"time"
)

// Subjects used by the annotation subsystem. Wildcards follow NATS rules:
// "*" matches one token, ">" matches the rest.
const (
	SubjectSelectionChanged  = "margin.selection.changed"
	SubjectSelectionCleared  = "margin.selection.cleared"
	SubjectViewportScrolled  = "margin.viewport.scrolled"
	SubjectViewportResized   = "margin.viewport.resized"
	SubjectOutsideInteract   = "margin.interaction.outside"
	SubjectSelectionCancel   = "margin.selection.cancel"
	SubjectAnnotationSaved   = "margin.annotation.saved"
	SubjectAnnotationOffline = "margin.annotation.saved_offline"
	SubjectThreadUpdated     = "margin.thread.updated"

	// SubjectStoragePrefix scopes server-side storage mutations mirrored
	// onto the bus; the event type completes the subject.
	SubjectStoragePrefix = "margin.storage."
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// MessageBus is the signaling channel for the annotation subsystem.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The handler is called in a separate goroutine for each message.
	// Supports wildcards: "margin.selection.*" matches "margin.selection.changed".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}

// Config holds configuration for creating a MessageBus.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	// Ignored for in-memory bus.
	URL string

	// Name is a client identifier for debugging/monitoring.
	Name string

	// Timeout is the default timeout for operations.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "margin",
		Timeout: 30 * time.Second,
	}
}
