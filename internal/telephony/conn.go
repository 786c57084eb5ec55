package telephony

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/festnoze/squad-ai-sub002/internal/outbound"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 5 * time.Second

// Conn is the write side of a media-stream socket. The outgoing audio sender
// is its only user; the event loop never writes.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	frames int
}

var _ outbound.MediaWriter = (*Conn)(nil)

// NewConn wraps ws. A non-positive writeTimeout selects DefaultWriteTimeout.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Conn{ws: ws, writeTimeout: writeTimeout}
}

// WriteMedia sends one µ-law packet as a media event.
func (c *Conn) WriteMedia(ctx context.Context, streamSID string, mulaw []byte) error {
	b, err := EncodeMedia(streamSID, mulaw)
	if err != nil {
		return fmt.Errorf("telephony: encode media: %w", err)
	}
	return c.write(ctx, b)
}

// WriteMark sends a mark event. The provider echoes it back once the audio
// before it has been played.
func (c *Conn) WriteMark(ctx context.Context, streamSID, name string) error {
	b, err := EncodeMark(streamSID, name)
	if err != nil {
		return fmt.Errorf("telephony: encode mark: %w", err)
	}
	return c.write(ctx, b)
}

// WriteClear asks the provider to discard audio it has not played yet.
func (c *Conn) WriteClear(ctx context.Context, streamSID string) error {
	b, err := EncodeClear(streamSID)
	if err != nil {
		return fmt.Errorf("telephony: encode clear: %w", err)
	}
	return c.write(ctx, b)
}

// Hangup closes the socket normally, which ends the provider's stream and
// the event loop reading it.
func (c *Conn) Hangup(reason string) error {
	if err := c.ws.Close(websocket.StatusNormalClosure, reason); err != nil {
		return fmt.Errorf("telephony: hangup: %w", err)
	}
	return nil
}

// FramesWritten returns how many frames were written successfully.
func (c *Conn) FramesWritten() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func (c *Conn) write(ctx context.Context, b []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("telephony: write frame: %w", err)
	}
	c.frames++
	return nil
}
