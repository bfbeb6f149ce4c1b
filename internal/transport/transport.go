// Package transport defines the boundary between the automation engine and
// a concrete chat transport. The engine consumes a single ordered stream of
// normalized events and issues one action, pressing an inline control.
// Everything protocol-specific (connection, auth, wire types) lives behind
// the Client interface.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SnapLoad/SnapLoad/internal/match"
)

// EventKind distinguishes the two deliveries the engine reacts to.
type EventKind int

const (
	// KindNew is a freshly posted message.
	KindNew EventKind = iota
	// KindEdited is an in-place rewrite of an existing message.
	KindEdited
)

func (k EventKind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindEdited:
		return "edited"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is the normalized shape of one bot message: identity, text and
// the inline controls flattened from the keyboard rows in reading order.
type Message struct {
	ID       int64
	ChatID   int64
	Text     string
	Controls []match.Control
}

// Event is one transport delivery. Msg always carries the full message
// snapshot as of this delivery, for edits too.
type Event struct {
	Kind EventKind
	Msg  Message
}

// Client is a live connection to one chat account watching one target bot.
// Start connects and begins feeding Events; the channel is closed when the
// client stops. Events must be delivered in the order the transport
// received them. Press invokes the control identified by the opaque
// payload on the given message and returns one of the typed errors below
// on failure so callers can classify it.
type Client interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan Event
	Press(ctx context.Context, messageID int64, payload []byte) error
}

// ErrStaleMessage reports that the message was edited or deleted remotely
// after the pressed control was captured. Usually recoverable: the next
// edit event carries fresh controls.
var ErrStaleMessage = errors.New("message is stale")

// ErrInvalidReference reports that the opaque payload no longer names a
// live control on the remote side.
var ErrInvalidReference = errors.New("control reference is invalid")

// FloodWaitError reports that the remote side imposed a mandatory pause
// before the action may be retried.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s", e.Wait)
}

// AsFloodWait unwraps err into a FloodWaitError if one is in its chain.
func AsFloodWait(err error) (*FloodWaitError, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw, true
	}
	return nil, false
}
