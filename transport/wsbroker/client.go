// Package wsbroker is a reference transport.Publisher/Subscriber driver:
// a persistent WebSocket client to a topic-based message broker.
package wsbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshbus/warden/envelope"
	"github.com/meshbus/warden/transport"
)

// debugLog is set to true when LOG_DEBUG=1; enables verbose broker message logging.
var debugLog = os.Getenv("LOG_DEBUG") == "1"

// inbound is the superset of all messages sent by the broker.
type inbound struct {
	Type    string              `json:"type"`
	ID      string              `json:"id,omitempty"`
	Topic   string              `json:"topic,omitempty"`
	Message *envelope.Envelope  `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
	TS      time.Time           `json:"ts"`
}

type publishResult struct {
	err error
}

// Client maintains a persistent WebSocket connection to a broker.
type Client struct {
	url     string
	handler transport.Handler

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	publishPending sync.Map // request id → chan publishResult
	subPending     sync.Map // request id → chan error

	idSeq          atomic.Int64
	reconnectDelay time.Duration
}

// NewClient creates a Client targeting the given WebSocket URL.
func NewClient(url string, h transport.Handler) *Client {
	return &Client{
		url:            url,
		handler:        h,
		reconnectDelay: 5 * time.Second,
	}
}

// Run connects and reconnects until ctx is cancelled. Call in a dedicated goroutine.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connect(ctx); err != nil && ctx.Err() == nil {
			log.Printf("wsbroker: %v — retrying in %s", err, c.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

// IsConnected reports whether a connection is currently active.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	log.Printf("wsbroker: connected to %s", c.url)

	// Notify the handler so it can re-subscribe to any claimed topics.
	if c.handler.OnConnected != nil {
		go c.handler.OnConnected()
	}

	defer func() {
		conn.Close()
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()

		c.publishPending.Range(func(k, v any) bool {
			v.(chan publishResult) <- publishResult{err: fmt.Errorf("wsbroker: connection lost")}
			c.publishPending.Delete(k)
			return true
		})
		c.subPending.Range(func(k, v any) bool {
			v.(chan error) <- fmt.Errorf("wsbroker: connection lost")
			c.subPending.Delete(k)
			return true
		})

		log.Printf("wsbroker: disconnected from %s", c.url)
	}()

	for {
		if ctx.Err() != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("wsbroker: bad message: %v", err)
		return
	}

	if debugLog && msg.Type != "message" {
		log.Printf("wsbroker: recv type=%q topic=%q", msg.Type, msg.Topic)
	}

	switch msg.Type {
	case "published":
		if ch, ok := c.publishPending.LoadAndDelete(msg.ID); ok {
			ch.(chan publishResult) <- publishResult{}
		}

	case "subscribed", "unsubscribed":
		if ch, ok := c.subPending.LoadAndDelete(msg.ID); ok {
			ch.(chan error) <- nil
		}

	case "error":
		if msg.ID != "" {
			if ch, ok := c.publishPending.LoadAndDelete(msg.ID); ok {
				ch.(chan publishResult) <- publishResult{err: fmt.Errorf("wsbroker: %s", msg.Error)}
				return
			}
			if ch, ok := c.subPending.LoadAndDelete(msg.ID); ok {
				ch.(chan error) <- fmt.Errorf("wsbroker: %s", msg.Error)
			}
		}

	case "message":
		if msg.Message != nil && c.handler.OnMessage != nil {
			c.handler.OnMessage(msg.Topic, msg.Message)
		}
	}
}

func (c *Client) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to broker")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) nextID() string {
	return fmt.Sprintf("r%d", c.idSeq.Add(1))
}

// Publish sends e on topic and blocks until the broker acknowledges it
// or the request times out. A non-nil error is treated by callers as a
// row failure eligible for backoff and retry.
func (c *Client) Publish(ctx context.Context, topic string, e *envelope.Envelope) error {
	id := c.nextID()
	ch := make(chan publishResult, 1)
	c.publishPending.Store(id, ch)

	if err := c.send(map[string]any{
		"type":    "publish",
		"id":      id,
		"topic":   topic,
		"message": e,
	}); err != nil {
		c.publishPending.Delete(id)
		return err
	}

	select {
	case res := <-ch:
		return res.err
	case <-ctx.Done():
		c.publishPending.Delete(id)
		return ctx.Err()
	case <-time.After(20 * time.Second):
		c.publishPending.Delete(id)
		return fmt.Errorf("timeout waiting for publish confirmation")
	}
}

// Subscribe registers this client as a subscriber for topic. Call after
// every reconnect (from Handler.OnConnected) to re-establish interest.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	return c.request(ctx, "subscribe", topic)
}

// Unsubscribe withdraws interest in topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	return c.request(ctx, "unsubscribe", topic)
}

func (c *Client) request(ctx context.Context, msgType, topic string) error {
	id := c.nextID()
	ch := make(chan error, 1)
	c.subPending.Store(id, ch)

	if err := c.send(map[string]any{
		"type":  msgType,
		"id":    id,
		"topic": topic,
	}); err != nil {
		c.subPending.Delete(id)
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		c.subPending.Delete(id)
		return ctx.Err()
	case <-time.After(10 * time.Second):
		c.subPending.Delete(id)
		return fmt.Errorf("timeout waiting for %s confirmation", msgType)
	}
}

var _ transport.Publisher = (*Client)(nil)
var _ transport.Subscriber = (*Client)(nil)
