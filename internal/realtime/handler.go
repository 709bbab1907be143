package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024
	sendBuffer   = 256
)

// Authenticator resolves the actor behind an upgrade request.
type Authenticator func(r *http.Request) (domain.Actor, error)

// Authorizer decides room membership and which client events may be relayed.
type Authorizer interface {
	CanJoin(ctx context.Context, actor domain.Actor, room string) error
	CanPublish(ctx context.Context, actor domain.Actor, room string, ev domain.RideEvent) error
}

// Handler upgrades authenticated requests to websocket connections attached to the hub.
type Handler struct {
	hub      *Hub
	rooms    RoomPublisher
	authn    Authenticator
	authz    Authorizer
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler wires the websocket endpoint. rooms receives client publishes; pass the hub
// itself on a single node or a NATSBridge to reach every node.
func NewHandler(hub *Hub, rooms RoomPublisher, authn Authenticator, authz Authorizer, logger *zap.Logger) *Handler {
	if rooms == nil {
		rooms = hub
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:   hub,
		rooms: rooms,
		authn: authn,
		authz: authz,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, err := h.authn(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		handler: h,
		ws:      ws,
		actor:   actor,
		send:    make(chan Frame, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		logger:  h.logger.With(zap.String("user_id", actor.UserID.String())),
	}
	serverConnections.Inc()
	go c.writePump()
	go c.readPump()
}

type conn struct {
	handler *Handler
	ws      *websocket.Conn
	actor   domain.Actor
	send    chan Frame
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger

	closeOnce sync.Once
}

// deliver queues an event frame. A member too slow to drain its buffer is disconnected;
// its client reconnects and rejoins, which is cheaper than stalling the room.
func (c *conn) deliver(room string, ev domain.RideEvent) {
	event := ev
	select {
	case <-c.ctx.Done():
	case c.send <- Frame{Op: OpEvent, Room: room, Event: &event}:
	default:
		eventsDropped.WithLabelValues("slow_consumer").Inc()
		c.logger.Warn("closing slow realtime connection", zap.String("room", room))
		c.close()
	}
}

func (c *conn) reply(f Frame) {
	select {
	case <-c.ctx.Done():
	case c.send <- f:
	default:
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.handler.hub.leaveAll(c)
		_ = c.ws.Close()
		serverConnections.Dec()
	})
}

func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("realtime read failed", zap.Error(err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reply(Frame{Op: OpError, Code: domain.ErrorCode(domain.ErrMalformedEvent), Message: "malformed frame"})
			continue
		}
		c.handle(f)
	}
}

func (c *conn) handle(f Frame) {
	h := c.handler
	switch f.Op {
	case OpJoin:
		if h.authz != nil {
			if err := h.authz.CanJoin(c.ctx, c.actor, f.Room); err != nil {
				c.reply(errorFrame(f, err))
				return
			}
		}
		h.hub.join(c, f.Room)
		c.reply(Frame{Op: OpAck, Room: f.Room, Ref: f.Ref})
	case OpLeave:
		h.hub.leave(c, f.Room)
		c.reply(Frame{Op: OpAck, Room: f.Room, Ref: f.Ref})
	case OpPublish:
		if f.Event == nil {
			c.reply(errorFrame(f, domain.ErrMalformedEvent))
			return
		}
		if h.authz != nil {
			if err := h.authz.CanPublish(c.ctx, c.actor, f.Room, *f.Event); err != nil {
				c.reply(errorFrame(f, err))
				return
			}
		}
		if err := h.rooms.PublishRoom(c.ctx, f.Room, *f.Event); err != nil {
			c.reply(errorFrame(f, err))
			return
		}
		c.reply(Frame{Op: OpAck, Room: f.Room, Ref: f.Ref})
	default:
		c.reply(errorFrame(f, domain.ErrMalformedEvent))
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
