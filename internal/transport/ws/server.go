package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/cwrk-planet/collab-relay/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Relay interface {
	Open(connectionID string)
	Join(ctx context.Context, connectionID string, in domain.JoinRequest) error
	ContentUpdate(ctx context.Context, connectionID string, in domain.ContentUpdate) error
	TypingNotice(ctx context.Context, connectionID string, in domain.TypingNotice) error
	Leave(ctx context.Context, connectionID string) bool
	Disconnect(ctx context.Context, connectionID string)
	DropEvent(ctx context.Context, connectionID, event string, err error) error
}

type Options struct {
	PingPeriod      time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	AllowedOrigins  []string
}

func (o Options) withDefaults() Options {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

type Server struct {
	upgrader websocket.Upgrader
	hub      *Hub
	relay    Relay
	opts     Options
}

func NewServer(hub *Hub, relay Relay, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		hub:   hub,
		relay: relay,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}
}

// WS endpoint: GET /ws
// Комнату клиент выбирает событием join, а не в URL.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade сам пишет ответ с ошибкой
		slog.Warn("ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	c := newClient(uuid.NewString(), conn, s.opts.SendBuffer)
	s.hub.Add(c)
	s.relay.Open(c.id)
	slog.Debug("ws connected", "conn", c.id, "remote", r.RemoteAddr)

	go s.writeLoop(c)
	s.readLoop(ctx, c)

	s.hub.Remove(c)
	s.relay.Disconnect(ctx, c.id)
	if err := c.Close(); err != nil {
		slog.Debug("ws close failed", "conn", c.id, "err", err)
	}
	slog.Debug("ws disconnected", "conn", c.id)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("ws read loop panic",
				"conn", c.id,
				"panic", rec,
				"stack", string(debug.Stack()))
		}
	}()

	c.conn.SetReadLimit(s.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("ws read failed", "conn", c.id, "err", err)
			}
			return
		}
		if done := s.handle(ctx, c, data); done {
			return
		}
	}
}

// handle dispatches one inbound frame. It reports true when the session is over.
func (s *Server) handle(ctx context.Context, c *client, data []byte) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		_ = s.relay.DropEvent(ctx, c.id, "decode", fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err))
		return false
	}

	// ошибки сервиса уже залогированы и посчитаны в DropEvent,
	// здесь остаются только ошибки разбора payload
	var err error
	switch env.Type {
	case TypeJoin, typeJoinLegacy:
		var p JoinPayload
		if err = decode(env.Payload, &p); err == nil {
			_ = s.relay.Join(ctx, c.id, p.toDomain())
		}
	case TypeContentUpdate, typeSendLegacy:
		var p ContentPayload
		if err = decode(env.Payload, &p); err == nil {
			_ = s.relay.ContentUpdate(ctx, c.id, p.toDomain())
		}
	case TypeTypingNotice:
		var p TypingPayload
		if err = decode(env.Payload, &p); err == nil {
			_ = s.relay.TypingNotice(ctx, c.id, p.toDomain())
		}
	case TypeLeave:
		// leave до join ничего не меняет, сокет остаётся открытым
		return s.relay.Leave(ctx, c.id)
	default:
		_ = s.relay.DropEvent(ctx, c.id, env.Type, domain.ErrUnknownEvent)
	}

	if err != nil {
		_ = s.relay.DropEvent(ctx, c.id, env.Type, err)
	}
	return false
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			frame, err := encode(msg)
			if err != nil {
				slog.Error("ws encode failed", "conn", c.id, "kind", msg.Kind, "err", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("ws write failed", "conn", c.id, "err", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
