// Package relay implements the cross-device pub/sub transport: a websocket
// client publishing and subscribing on per-workspace and per-user topics.
// The hosted relay authorizes each subscription server-side; this client
// only supplies topic names and the session's opaque auth token.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/hylla/boardsync/internal/replica"
)

// Package errors.
var (
	ErrNotConnected = errors.New("relay: not connected")
	ErrNoAuthToken  = errors.New("relay: auth token required")
	ErrUnauthorized = errors.New("relay: subscription unauthorized")
)

// Subscription retry policy: the initial attempt plus three retries at
// 500ms, 1s, 2s. Authorization failures are retried because a topic for a
// just-created workspace is often not yet visible to the relay's check.
const (
	subscribeMaxRetries = 3
	subscribeBaseDelay  = 500 * time.Millisecond
	subscribeAckTimeout = 5 * time.Second
)

// outboundQueueSize bounds the fire-and-forget publish buffer.
const outboundQueueSize = 128

// Message types on the relay socket.
const (
	typeSubscribe = "subscribe"
	typePublish   = "publish"
	typeEvent     = "event"
	typeAck       = "ack"
	typeError     = "error"
	typePresence  = "presence"
)

// codeUnauthorized marks a server-side authorization rejection.
const codeUnauthorized = "unauthorized"

// message is the relay wire frame.
type message struct {
	Type     string          `json:"type"`
	Topic    string          `json:"topic,omitempty"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
	Presence *Presence       `json:"presence,omitempty"`
	Code     string          `json:"code,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Presence is the best-effort cursor/activity beacon shared on a workspace
// topic. It rides the same socket but is never required for state
// replication correctness.
type Presence struct {
	SenderID string `json:"senderId"`
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	CardID   string `json:"cardId,omitempty"`
}

// Handler consumes envelopes delivered on a subscribed topic.
type Handler func(replica.Envelope)

// subscription tags a registered handler so a failed subscribe can remove
// exactly its own registration.
type subscription struct {
	id      uint64
	handler Handler
}

// Options configures the relay client.
type Options struct {
	URL       string
	AuthToken string
	SenderID  string
	Logger    *log.Logger
	Dialer    *websocket.Dialer
}

// Client is one session's connection to the hosted relay.
type Client struct {
	url      string
	token    string
	senderID string
	logger   *log.Logger
	dialer   *websocket.Dialer

	outbound chan message

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string][]subscription
	acks     map[string][]chan error
	nextSub  uint64
	closed   bool
	done     chan struct{}
}

// NewClient constructs a new value for this package.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		url:      strings.TrimSpace(opts.URL),
		token:    strings.TrimSpace(opts.AuthToken),
		senderID: opts.SenderID,
		logger:   opts.Logger,
		dialer:   opts.Dialer,
		outbound: make(chan message, outboundQueueSize),
		handlers: map[string][]subscription{},
		acks:     map[string][]chan error{},
		done:     make(chan struct{}),
	}
}

// Connect dials the relay and starts the read and write pumps. Connecting
// without an auth token is refused outright.
func (c *Client) Connect(ctx context.Context) error {
	if c.token == "" {
		return ErrNoAuthToken
	}
	if c.url == "" {
		return fmt.Errorf("relay: url required")
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("relay dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readPump()
	go c.writePump()
	c.logger.Info("relay connected", "url", c.url, "sender_id", c.senderID)
	return nil
}

// Publish hands an envelope to the relay without waiting for acknowledgment.
// A full outbound buffer drops the frame with a log line; replication
// correctness rests on the sync queue and the store, not on this path.
func (c *Client) Publish(topic string, envelope replica.Envelope) error {
	if c.token == "" {
		return ErrNoAuthToken
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	c.mu.Lock()
	connected := c.conn != nil && !c.closed
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	select {
	case c.outbound <- message{Type: typePublish, Topic: topic, Envelope: raw}:
		return nil
	default:
		c.logger.Warn("relay outbound buffer full, dropping publish", "topic", topic)
		return nil
	}
}

// Subscribe registers a handler for a topic and asks the relay for delivery.
// Authorization rejections are retried with exponential backoff before
// giving up; any other failure is permanent.
func (c *Client) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if c.token == "" {
		return ErrNoAuthToken
	}
	if handler == nil {
		return fmt.Errorf("relay: handler required")
	}
	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextSub++
	sub := subscription{id: c.nextSub, handler: handler}
	c.handlers[topic] = append(c.handlers[topic], sub)
	c.mu.Unlock()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = subscribeBaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = 2 * time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.requestSubscription(ctx, topic)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrUnauthorized):
			c.logger.Warn("relay subscribe unauthorized, retrying",
				"topic", topic, "attempt", attempt)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(backoff.WithMaxRetries(policy, subscribeMaxRetries), ctx))
	if err != nil {
		c.removeHandler(topic, sub.id)
		c.logger.Error("relay subscribe failed", "topic", topic, "attempts", attempt, "err", err)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.logger.Info("relay subscribed", "topic", topic)
	return nil
}

// SendPresence shares a best-effort presence beacon on a workspace topic.
func (c *Client) SendPresence(topic string, presence Presence) {
	presence.SenderID = c.senderID
	select {
	case c.outbound <- message{Type: typePresence, Topic: topic, Presence: &presence}:
	default:
	}
}

// Close tears the connection down; pending publishes are abandoned.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	close(c.done)
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// requestSubscription sends one subscribe frame and waits for its ack. Each
// call waits on its own channel so concurrent subscribes to one topic all
// see the relay's answer.
func (c *Client) requestSubscription(ctx context.Context, topic string) error {
	ack := make(chan error, 1)
	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.acks[topic] = append(c.acks[topic], ack)
	c.mu.Unlock()
	defer c.removeAck(topic, ack)

	select {
	case c.outbound <- message{Type: typeSubscribe, Topic: topic}:
	case <-ctx.Done():
		return ctx.Err()
	}

	timer := time.NewTimer(subscribeAckTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		return err
	case <-timer.C:
		return fmt.Errorf("subscribe %s: ack timeout", topic)
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPump dispatches inbound frames until the connection drops.
func (c *Client) readPump() {
	for {
		var frame message
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Warn("relay read loop ended", "err", err)
			}
			return
		}
		switch frame.Type {
		case typeEvent:
			c.dispatchEvent(frame)
		case typeAck:
			c.resolveAck(frame.Topic, nil)
		case typeError:
			if frame.Code == codeUnauthorized {
				c.resolveAck(frame.Topic, ErrUnauthorized)
				continue
			}
			c.resolveAck(frame.Topic, fmt.Errorf("relay: %s", frame.Error))
		default:
			// Presence echoes and unknown frames are ignorable.
		}
	}
}

// writePump serializes all socket writes through one goroutine.
func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbound:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				c.logger.Warn("relay write failed", "type", frame.Type, "topic", frame.Topic, "err", err)
			}
		}
	}
}

// dispatchEvent decodes an envelope and fans it to topic handlers.
func (c *Client) dispatchEvent(frame message) {
	var envelope replica.Envelope
	if err := json.Unmarshal(frame.Envelope, &envelope); err != nil {
		c.logger.Warn("relay event decode failed", "topic", frame.Topic, "err", err)
		return
	}
	c.mu.Lock()
	subs := append([]subscription(nil), c.handlers[frame.Topic]...)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.handler(envelope)
	}
}

// resolveAck answers every subscribe currently waiting on the topic; the
// relay's ack and error frames carry the topic, not a request id.
func (c *Client) resolveAck(topic string, err error) {
	c.mu.Lock()
	waiters := c.acks[topic]
	delete(c.acks, topic)
	c.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- err:
		default:
		}
	}
}

// removeAck drops one waiter, for requests that timed out or were cancelled.
func (c *Client) removeAck(topic string, ack chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.acks[topic]
	for i, ch := range waiters {
		if ch == ack {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(c.acks, topic)
		return
	}
	c.acks[topic] = waiters
}

// removeHandler unregisters one subscription after a failed subscribe so a
// topic the relay refused does not keep a stale handler around.
func (c *Client) removeHandler(topic string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.handlers[topic]
	for i, sub := range subs {
		if sub.id == id {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(c.handlers, topic)
		return
	}
	c.handlers[topic] = subs
}
