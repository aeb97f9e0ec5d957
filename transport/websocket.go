package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mkravchenko/kegsync/common"
	"github.com/mkravchenko/kegsync/logging"
)

// Options configures the websocket client.
type Options struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// TokenSource returns a session token. It is called on dial and again
	// whenever the current token is about to expire.
	TokenSource func(ctx context.Context) (string, error)
	// DialTimeout bounds the initial handshake.
	DialTimeout time.Duration
	// RequestTimeout bounds a Send call that carries no context deadline.
	RequestTimeout time.Duration
	// TokenSlack re-authenticates this long before the token expiry.
	TokenSlack time.Duration
	// ReconnectBase is the first delay before re-dialing a lost
	// connection; subsequent attempts back off exponentially up to
	// maxReconnectDelay.
	ReconnectBase time.Duration
	Logger        logging.Logger
}

// maxReconnectDelay caps the reconnect backoff.
const maxReconnectDelay = 30 * time.Second

// LoadDefaults populates zero-valued fields with sensible defaults.
func (o *Options) LoadDefaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 12 * time.Second
	}
	if o.TokenSlack == 0 {
		o.TokenSlack = 30 * time.Second
	}
	if o.ReconnectBase == 0 {
		o.ReconnectBase = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
}

// frame is the wire unit in both directions. Requests carry ID+Route,
// responses carry the same ID with Payload or Error, server pushes carry
// Event without ID.
type frame struct {
	ID      string          `json:"id,omitempty"`
	Route   string          `json:"route,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type result struct {
	payload json.RawMessage
	err     error
}

// WebsocketClient implements Transport over a websocket connection. A lost
// connection is re-dialed with backoff and re-authenticated; subscriptions
// survive the reconnect, in-flight requests are rejected with
// ErrUnavailable and must be retried by the caller.
type WebsocketClient struct {
	opts Options
	log  logging.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn // nil while reconnecting
	pending  map[string]chan result
	subs     map[string]map[int]func(json.RawMessage)
	nextSub  int
	closed   bool
	closeErr error

	token    string
	tokenExp time.Time

	done chan struct{}
}

// DialWebsocket connects and authenticates, then starts the read loop.
func DialWebsocket(ctx context.Context, opts Options) (*WebsocketClient, error) {
	opts.LoadDefaults()
	if opts.URL == "" {
		return nil, errors.New("transport: empty URL")
	}

	c := &WebsocketClient{
		opts:    opts,
		log:     opts.Logger.With("component", "transport"),
		pending: make(map[string]chan result),
		subs:    make(map[string]map[int]func(json.RawMessage)),
		done:    make(chan struct{}),
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", opts.URL, err)
	}
	c.conn = conn

	go c.readLoop(conn)

	if opts.TokenSource != nil {
		if err := c.authenticate(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// authenticate fetches a token, records its expiry, and presents it to the
// server on an auth frame.
func (c *WebsocketClient) authenticate(ctx context.Context) error {
	token, err := c.opts.TokenSource(ctx)
	if err != nil {
		return fmt.Errorf("fetching session token: %w", err)
	}

	c.mu.Lock()
	c.token = token
	c.tokenExp = tokenExpiry(token)
	c.mu.Unlock()

	_, err = c.send(ctx, "auth", map[string]string{"token": token})
	if err != nil {
		return fmt.Errorf("authenticating session: %w", err)
	}
	return nil
}

// needsReauth reports whether the session token expires within the slack
// window. A zero expiry means the token carries no usable exp claim and is
// treated as non-expiring.
func (c *WebsocketClient) needsReauth() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || c.tokenExp.IsZero() {
		return false
	}
	return time.Until(c.tokenExp) < c.opts.TokenSlack
}

func (c *WebsocketClient) Send(ctx context.Context, route string, payload any) (json.RawMessage, error) {
	if c.opts.TokenSource != nil && c.needsReauth() {
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
	}
	return c.send(ctx, route, payload)
}

func (c *WebsocketClient) send(ctx context.Context, route string, payload any) (json.RawMessage, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request payload: %w", err)
	}

	id := uuid.NewString()
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: reconnecting", common.ErrUnavailable)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	f := frame{ID: id, Route: route, Payload: raw}
	c.writeMu.Lock()
	err = conn.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.payload, res.err
	}
}

func (c *WebsocketClient) Subscribe(event string, handler func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs[event] == nil {
		c.subs[event] = make(map[int]func(json.RawMessage))
	}
	id := c.nextSub
	c.nextSub++
	c.subs[event][id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[event], id)
	}
}

func (c *WebsocketClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = errors.New("closed by client")
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	close(c.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *WebsocketClient) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.connectionLost(conn, err)
			return
		}

		switch {
		case f.Event != "":
			c.dispatchEvent(f.Event, f.Payload)
		case f.ID != "":
			c.dispatchResponse(f)
		default:
			c.log.Warn(context.Background(), "dropping frame without id or event")
		}
	}
}

func (c *WebsocketClient) dispatchResponse(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		// response raced the caller's timeout
		return
	}

	var res result
	if f.Error != nil {
		res.err = &ServerError{Code: f.Error.Code, Message: f.Error.Message}
	} else {
		res.payload = f.Payload
	}
	ch <- res
}

func (c *WebsocketClient) dispatchEvent(event string, payload json.RawMessage) {
	c.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(c.subs[event]))
	for _, h := range c.subs[event] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}

// connectionLost rejects all in-flight requests for the dead connection
// and starts the reconnect loop. Stale read loops from an already-replaced
// connection are ignored.
func (c *WebsocketClient) connectionLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()

	c.log.Warn(context.Background(), "connection lost, reconnecting", "error", err)
	for _, ch := range pending {
		ch <- result{err: fmt.Errorf("%w: %v", common.ErrUnavailable, err)}
	}
	_ = conn.Close()
	go c.reconnect()
}

// reconnect re-dials with capped exponential backoff until it succeeds or
// the client is closed. A restored session is re-authenticated on an auth
// frame before the client advertises the connection; subscriptions are
// keyed client-side and need no re-registration.
func (c *WebsocketClient) reconnect() {
	delay := c.opts.ReconnectBase
	for attempt := 1; ; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}
		if delay < maxReconnectDelay {
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.URL, nil)
		cancel()
		if err != nil {
			c.log.Warn(context.Background(), "reconnect attempt failed",
				"attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		go c.readLoop(conn)

		if c.opts.TokenSource != nil {
			authCtx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
			err := c.authenticate(authCtx)
			cancel()
			if err != nil {
				c.log.Warn(context.Background(), "re-auth after reconnect failed",
					"attempt", attempt, "error", err)
				c.mu.Lock()
				stillOurs := c.conn == conn
				if stillOurs {
					c.conn = nil
				}
				c.mu.Unlock()
				_ = conn.Close()
				if !stillOurs {
					// the read loop observed the failure first and has
					// already started its own reconnect
					return
				}
				continue
			}
		}

		c.log.Info(context.Background(), "reconnected", "attempt", attempt)
		return
	}
}
