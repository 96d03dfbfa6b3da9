// Package stream drives the broker's pull-protocol duplex channel to
// enumerate the resources authorized for one token.
//
// The client sends a clear-to-send (CTS) message only when the consumer
// demands the next item and none is buffered; the broker answers each CTS
// with exactly one RESOURCE, ERROR, or COMPLETE message. A dedicated
// goroutine owns the receive side and feeds a bounded queue the consumer
// polls with a timeout, so broker pacing never blocks on consumer pacing
// beyond the CTS protocol itself.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrStreamInterrupted indicates the transport dropped before COMPLETE was
// received. Distinct from normal completion so the job layer can decide to
// reconnect or resume.
var ErrStreamInterrupted = errors.New("resource stream interrupted before completion")

// ErrStreamClosed is returned by Poll after the handle has been closed
var ErrStreamClosed = errors.New("resource stream is closed")

// queueSize bounds the consumer-facing item queue. The CTS protocol keeps
// at most one reply in flight, so a small buffer is plenty.
const queueSize = 16

// Logger interface for stream client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client is a handle on one open resource stream
type Client struct {
	conn   *websocket.Conn
	logger Logger

	items chan Item
	done  chan struct{}

	mu          sync.Mutex
	outstanding int // CTS messages sent without a reply yet

	stateMu    sync.Mutex
	userClosed bool
	readErr    error

	closeOnce sync.Once
}

// Connect opens the duplex channel for the given token. The token is
// carried as a query parameter on the stream URL.
func Connect(ctx context.Context, token, streamURL string, logger Logger) (*Client, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream URL %s: %w", streamURL, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open resource stream: %w", err)
	}

	c := &Client{
		conn:   conn,
		logger: logger,
		items:  make(chan Item, queueSize),
		done:   make(chan struct{}),
	}

	go c.readPump()

	logger.Debug("resource stream connected", "url", streamURL)
	return c, nil
}

// readPump owns the receive side of the channel. It delivers items to the
// consumer queue in broker order and closes the queue on COMPLETE or on a
// transport failure.
func (c *Client) readPump() {
	defer close(c.items)

	for {
		var msg wireMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.stateMu.Lock()
			if !c.userClosed {
				c.readErr = fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
			}
			c.stateMu.Unlock()
			return
		}

		switch msg.Type {
		case msgTypeResource:
			c.replyReceived()
			if !c.deliver(Item{Kind: PollResource, Resource: msg.descriptor(), Properties: msg.Properties}) {
				return
			}

		case msgTypeError:
			c.replyReceived()
			c.logger.Warn("broker reported stream error", "text", msg.Text)
			if !c.deliver(Item{Kind: PollError, ErrText: msg.Text, Properties: msg.Properties}) {
				return
			}

		case msgTypeComplete:
			c.replyReceived()
			c.logger.Debug("resource stream complete")
			// Deliver the terminator itself so its properties reach the
			// consumer; closing the queue then makes every later Poll
			// return PollComplete immediately.
			c.deliver(Item{Kind: PollComplete, Properties: msg.Properties})
			return

		default:
			c.logger.Warn("ignoring unknown stream message", "type", msg.Type)
		}
	}
}

func (c *Client) deliver(it Item) bool {
	select {
	case c.items <- it:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) replyReceived() {
	c.mu.Lock()
	if c.outstanding > 0 {
		c.outstanding--
	}
	c.mu.Unlock()
}

// Poll returns the next stream item, waiting up to timeout. When no item is
// buffered it sends a CTS first; a second CTS is never sent before the
// previous one is answered. After COMPLETE every Poll returns a
// PollComplete item immediately.
func (c *Client) Poll(timeout time.Duration) (Item, error) {
	select {
	case it, ok := <-c.items:
		return c.resolve(it, ok)
	default:
	}

	c.requestNext()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case it, ok := <-c.items:
		return c.resolve(it, ok)
	case <-timer.C:
		return Item{Kind: PollTimeout}, nil
	}
}

// requestNext sends a CTS if none is in flight. A write failure is not
// surfaced here: the read pump observes the same transport failure and
// reports it as an interruption.
func (c *Client) requestNext() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outstanding > 0 {
		return
	}
	if err := c.conn.WriteJSON(wireMessage{Type: msgTypeCTS}); err != nil {
		c.logger.Debug("CTS write failed", "error", err)
		return
	}
	c.outstanding++
}

func (c *Client) resolve(it Item, ok bool) (Item, error) {
	if ok {
		return it, nil
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.userClosed {
		return Item{}, ErrStreamClosed
	}
	if c.readErr != nil {
		return Item{}, c.readErr
	}
	return Item{Kind: PollComplete}, nil
}

// Close releases the channel. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		c.userClosed = true
		c.stateMu.Unlock()

		close(c.done)

		// Best effort close handshake before dropping the connection.
		// c.mu serializes this against in-flight CTS writes.
		c.mu.Lock()
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
		c.mu.Unlock()
	})
	return nil
}
