package rpchub

import (
	"context"

	"nhooyr.io/websocket"
)

// Conn is the subset of *nhooyr.io/websocket.Conn the hub depends on,
// narrowed to an interface so tests can exercise routing logic with a fake
// socket instead of a real network connection.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

var _ Conn = (*websocket.Conn)(nil)
