// Package mock provides an in-memory [transport.Conn] for tests.
//
// Example:
//
//	conn := mock.NewConn()
//	conn.Feed(payload)   // the client sends a message
//	conn.Disconnect()    // the client goes away
//	got := conn.Writes() // what the server wrote
package mock

import (
	"context"
	"io"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/425732441/full-duplex-voice-demo/internal/transport"
)

// Conn is a mock implementation of [transport.Conn].
type Conn struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned by every Write.
	WriteErr error

	// Written holds a copy of every message passed to Write.
	Written [][]byte

	// CloseCount is the number of Close calls.
	CloseCount int

	in      chan []byte
	ended   chan struct{}
	endOnce sync.Once
	endErr  error
	notify  chan struct{}
}

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{
		in:     make(chan []byte, 64),
		ended:  make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Feed queues a message for Read.
func (c *Conn) Feed(b []byte) { c.in <- b }

// Disconnect makes Read return io.EOF once queued messages are consumed,
// as when the client hangs up.
func (c *Conn) Disconnect() { c.end(io.EOF) }

// FailRead makes Read return err, as when the connection breaks.
func (c *Conn) FailRead(err error) { c.end(err) }

func (c *Conn) end(err error) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.endErr = err
		c.mu.Unlock()
		close(c.ended)
	})
}

// Read returns the next fed message.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	default:
	}
	select {
	case b := <-c.in:
		return b, nil
	case <-c.ended:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.endErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write records b and returns WriteErr.
func (c *Conn) Write(_ context.Context, b []byte) error {
	c.mu.Lock()
	if c.WriteErr != nil {
		err := c.WriteErr
		c.mu.Unlock()
		return err
	}
	c.Written = append(c.Written, slices.Clone(b))
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close records the call and ends reading with net.ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CloseCount++
	c.mu.Unlock()
	c.end(net.ErrClosed)
	return nil
}

// SetWriteErr sets WriteErr. Thread-safe.
func (c *Conn) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WriteErr = err
}

// Writes returns a copy of Written. Thread-safe.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.Written)
}

// Closes returns CloseCount. Thread-safe.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCount
}

// WaitWrites blocks until at least n messages were written or the timeout
// expires, in which case the test fails.
func (c *Conn) WaitWrites(t testing.TB, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for len(c.Writes()) < n {
		select {
		case <-c.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline.C:
			t.Fatalf("timed out waiting for %d writes, got %d", n, len(c.Writes()))
			return
		}
	}
}

// Ensure Conn implements transport.Conn at compile time.
var _ transport.Conn = (*Conn)(nil)
