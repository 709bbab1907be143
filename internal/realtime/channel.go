package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
)

// closeGrace bounds the close handshake so a stalled peer cannot hold up shutdown.
const closeGrace = time.Second

// TokenSource returns the bearer token presented on every (re)connect.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always presents token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

type ChannelConfig struct {
	URL          string
	Token        TokenSource
	Backoff      Backoff
	Dialer       *websocket.Dialer
	PendingLimit int
	Logger       *zap.Logger
}

// Channel is the reconnecting client side of the realtime channel. Room interest is kept
// locally and replayed after every reconnect, and subscriptions are told to resync since
// room events sent while disconnected are not redelivered. Frames are written by a writer
// goroutine per connection, so callers never wait on the socket; publishes made while
// disconnected are queued and flushed once the connection is back.
type Channel struct {
	cfg    ChannelConfig
	rooms  *registry
	logger *zap.Logger
	seq    atomic.Uint64
	wake   chan struct{}

	mu      sync.Mutex
	ws      *websocket.Conn
	control []Frame
	pending []Frame
	closed  bool
}

func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 256
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Token == nil {
		cfg.Token = StaticToken("")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Channel{cfg: cfg, rooms: newRegistry(), logger: cfg.Logger, wake: make(chan struct{}, 1)}
}

// Connected reports whether a websocket is currently established.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Run keeps the channel connected until ctx is cancelled. Every subscription is closed when
// it returns.
func (c *Channel) Run(ctx context.Context) error {
	defer c.shutdown()

	attempt := 0
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		delay := c.cfg.Backoff.Delay(attempt)
		attempt++
		c.logger.Info("realtime channel disconnected",
			zap.Error(err), zap.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Channel) connectAndServe(ctx context.Context) (bool, error) {
	token, err := c.cfg.Token(ctx)
	if err != nil {
		clientReconnects.WithLabelValues("token_error").Inc()
		return false, fmt.Errorf("token: %w", err)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		clientReconnects.WithLabelValues("failed").Inc()
		if resp != nil {
			return false, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	clientReconnects.WithLabelValues("connected").Inc()

	c.attach(ws)
	c.logger.Debug("realtime channel connected", zap.Strings("rooms", c.rooms.list()))

	stop := make(chan struct{})
	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writePump(ws, stop)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGrace))
			_ = ws.Close()
		case <-stop:
		}
	}()
	err = c.readLoop(ws)
	close(stop)
	c.detach(ws)
	<-written
	return true, err
}

// attach installs ws, queues a join for every room of interest and asks open
// subscriptions to resync.
func (c *Channel) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.control = c.control[:0]
	for _, room := range c.rooms.list() {
		c.control = append(c.control, Frame{Op: OpJoin, Room: room, Ref: c.ref(OpJoin)})
	}
	c.mu.Unlock()
	c.rooms.resyncAll()
	c.kick()
}

func (c *Channel) detach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.control = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
}

func (c *Channel) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// writePump is the only writer of data frames on ws. Joins and leaves go out before
// queued publishes. A failed publish is put back at the head of the queue.
func (c *Channel) writePump(ws *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-c.wake:
		}
		for {
			f, ok := c.next(ws)
			if !ok {
				break
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(f); err != nil {
				c.logger.Debug("realtime write failed", zap.Error(err))
				c.requeue(f)
				_ = ws.Close()
				return
			}
		}
	}
}

func (c *Channel) next(ws *websocket.Conn) (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != ws {
		return Frame{}, false
	}
	if len(c.control) > 0 {
		f := c.control[0]
		c.control = c.control[1:]
		return f, true
	}
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f, true
	}
	return Frame{}, false
}

func (c *Channel) requeue(f Frame) {
	if f.Op != OpPublish {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.pending) >= c.cfg.PendingLimit {
		eventsDropped.WithLabelValues("pending_overflow").Inc()
		return
	}
	c.pending = append([]Frame{f}, c.pending...)
}

func (c *Channel) readLoop(ws *websocket.Conn) error {
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.handle(f)
	}
}

func (c *Channel) handle(f Frame) {
	switch f.Op {
	case OpEvent:
		if f.Event == nil {
			return
		}
		c.rooms.dispatch(f.Room, *f.Event)
	case OpError:
		if strings.HasPrefix(f.Ref, string(OpJoin)) {
			c.logger.Warn("room join rejected", zap.String("room", f.Room), zap.String("code", f.Code))
			c.rooms.reject(f.Room, rejection(f))
			return
		}
		c.logger.Warn("realtime request failed",
			zap.String("room", f.Room), zap.String("ref", f.Ref), zap.String("code", f.Code), zap.String("message", f.Message))
	}
}

func (c *Channel) ref(op Op) string {
	return fmt.Sprintf("%s-%d", op, c.seq.Add(1))
}

// send queues a join or leave for the current connection. They are not kept across
// reconnects: the registry is replayed instead.
func (c *Channel) send(f Frame) {
	c.mu.Lock()
	if c.ws == nil {
		c.mu.Unlock()
		return
	}
	c.control = append(c.control, f)
	c.mu.Unlock()
	c.kick()
}

func (c *Channel) JoinRoom(_ context.Context, room string) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	if c.rooms.join(room) {
		c.send(Frame{Op: OpJoin, Room: room, Ref: c.ref(OpJoin)})
	}
	return nil
}

func (c *Channel) LeaveRoom(_ context.Context, room string) error {
	if c.rooms.leave(room) {
		c.send(Frame{Op: OpLeave, Room: room, Ref: c.ref(OpLeave)})
	}
	return nil
}

func (c *Channel) Subscribe(_ context.Context, room string) (*Subscription, error) {
	if c.isClosed() {
		return nil, ErrChannelClosed
	}
	sub := newSubscription(room, c.release)
	if c.rooms.add(sub) {
		c.send(Frame{Op: OpJoin, Room: room, Ref: c.ref(OpJoin)})
	}
	return sub, nil
}

func (c *Channel) release(sub *Subscription) {
	if c.rooms.remove(sub) && !c.isClosed() {
		c.send(Frame{Op: OpLeave, Room: sub.room, Ref: c.ref(OpLeave)})
	}
}

// Publish queues ev for room and returns without touching the socket. Past PendingLimit
// the oldest queued frame is dropped.
func (c *Channel) Publish(_ context.Context, room string, ev domain.RideEvent) error {
	if err := ev.Check(); err != nil {
		return err
	}
	event := ev
	f := Frame{Op: OpPublish, Room: room, Ref: c.ref(OpPublish), Event: &event}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if len(c.pending) >= c.cfg.PendingLimit {
		c.pending = c.pending[1:]
		eventsDropped.WithLabelValues("pending_overflow").Inc()
	}
	c.pending = append(c.pending, f)
	c.mu.Unlock()
	c.kick()
	return nil
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.pending = nil
	c.control = nil
	c.mu.Unlock()
	c.rooms.closeAll()
}

var _ Client = (*Channel)(nil)
