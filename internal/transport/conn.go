// Package transport connects a pipeline to a client over a duplex
// connection.
//
// [Input] is the first stage of a session pipeline: it reads wire messages,
// decodes them with a [Serializer] and emits audio and client messages.
// [Output] sits near the end: it paces synthesized audio to real time,
// reports when the bot starts and stops speaking and writes everything the
// client should see.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

// DefaultWriteTimeout bounds a single websocket write.
const DefaultWriteTimeout = 5 * time.Second

// Conn is a message-oriented duplex connection.
type Conn interface {
	// Read blocks until the next message arrives.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one message.
	Write(ctx context.Context, b []byte) error

	// Close closes the connection. Safe to call more than once.
	Close() error
}

// Serializer converts between frames and wire messages.
type Serializer interface {
	// Serialize returns nil without error for frames not carried on the
	// wire.
	Serialize(f frame.Frame) ([]byte, error)
	Deserialize(b []byte) (frame.Frame, error)
}

// WebSocketConn implements [Conn] over a coder/websocket connection. Messages
// are written as binary frames.
type WebSocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// NewWebSocketConn wraps ws.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	ws.SetReadLimit(1 << 20)
	return &WebSocketConn{ws: ws, writeTimeout: DefaultWriteTimeout}
}

// Accept upgrades an HTTP request. originPatterns follows
// websocket.AcceptOptions; a single "*" accepts any origin.
func Accept(w http.ResponseWriter, r *http.Request, originPatterns []string) (*WebSocketConn, error) {
	opts := &websocket.AcceptOptions{OriginPatterns: originPatterns}
	for _, p := range originPatterns {
		if p == "*" {
			opts.InsecureSkipVerify = true
			break
		}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: accept websocket: %w", err)
	}
	return NewWebSocketConn(ws), nil
}

// Read implements [Conn].
func (c *WebSocketConn) Read(ctx context.Context) ([]byte, error) {
	_, b, err := c.ws.Read(ctx)
	return b, err
}

// Write implements [Conn]. A write that outlives ctx would tear down the
// connection, so it runs under its own timeout instead.
func (c *WebSocketConn) Write(ctx context.Context, b []byte) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageBinary, b)
}

// Close implements [Conn].
func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "session ended")
		if IsClosed(err) {
			err = nil
		}
	})
	return err
}

// IsClosed reports whether err means the peer went away or the connection was
// closed on purpose, as opposed to a transport failure.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

var _ Conn = (*WebSocketConn)(nil)
