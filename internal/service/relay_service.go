package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/collab-relay/internal/domain"
	"github.com/cwrk-planet/collab-relay/internal/metrics"
	"github.com/cwrk-planet/collab-relay/internal/registry"

	"github.com/go-playground/validator/v10"
)

type sessionState int

const (
	stateUnjoined sessionState = iota
	stateJoined
	stateClosed
)

// RelayService принимает события клиента, меняет реестр и делает рассылку.
type RelayService struct {
	// mu сериализует join/leave вместе со снапшотом участников и постановкой
	// в очереди, чтобы списки участников не перемешивались у получателей.
	mu       sync.Mutex
	sessions map[string]sessionState

	reg      *registry.Registry
	presence *PresenceNotifier
	out      Dispatcher
	pub      Publisher
	pubWait  time.Duration
	metrics  *metrics.Metrics
	validate *validator.Validate
	now      func() time.Time
}

func NewRelayService(reg *registry.Registry, out Dispatcher, m *metrics.Metrics) *RelayService {
	return &RelayService{
		sessions: make(map[string]sessionState),
		reg:      reg,
		presence: NewPresenceNotifier(reg, out, m),
		out:      out,
		metrics:  m,
		validate: validator.New(),
		now:      time.Now,
	}
}

const defaultPublishTimeout = 2 * time.Second

// SetPublisher enables cross-instance relaying of content and typing events.
// Each publish is bounded by timeout so a stalled bus cannot hold up the
// sender's read loop.
func (s *RelayService) SetPublisher(p Publisher, timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	s.pub = p
	s.pubWait = timeout
}

// Open starts an Unjoined session for a freshly accepted connection.
func (s *RelayService) Open(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[connectionID] = stateUnjoined
	s.metrics.Connections.Set(float64(len(s.sessions)))
}

func (s *RelayService) Join(ctx context.Context, connectionID string, in domain.JoinRequest) error {
	in.RoomID = strings.TrimSpace(in.RoomID)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.AvatarRef = strings.TrimSpace(in.AvatarRef)
	if err := s.validate.Struct(in); err != nil {
		return s.DropEvent(ctx, connectionID, "join", fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch st, ok := s.sessions[connectionID]; {
	case !ok || st == stateClosed:
		return s.DropEvent(ctx, connectionID, "join", domain.ErrSessionClosed)
	case st == stateJoined:
		return s.DropEvent(ctx, connectionID, "join", domain.ErrAlreadyJoined)
	}

	p := domain.Participant{
		ConnectionID: connectionID,
		DisplayName:  in.DisplayName,
		AvatarRef:    in.AvatarRef,
		RoomID:       in.RoomID,
		JoinedAt:     s.now(),
	}
	if err := s.reg.Register(p); err != nil {
		return s.DropEvent(ctx, connectionID, "join", err)
	}
	s.sessions[connectionID] = stateJoined
	s.metrics.Events.WithLabelValues("join").Inc()
	s.metrics.Participants.Set(float64(s.reg.Len()))

	slog.InfoContext(ctx, "relay participant joined",
		"conn", connectionID, "room", p.RoomID, "name", p.DisplayName)
	s.presence.Announce(ctx, p.RoomID, domain.MemberJoined, p)

	return nil
}

func (s *RelayService) ContentUpdate(ctx context.Context, connectionID string, in domain.ContentUpdate) error {
	in.RoomID = strings.TrimSpace(in.RoomID)
	in.LanguageTag = strings.TrimSpace(in.LanguageTag)
	if err := s.validate.Struct(in); err != nil {
		return s.DropEvent(ctx, connectionID, "contentUpdate", fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err))
	}

	return s.relay(ctx, connectionID, "contentUpdate", domain.Outbound{
		Kind:        domain.OutContentUpdate,
		RoomID:      in.RoomID,
		Payload:     in.Payload,
		LanguageTag: in.LanguageTag,
	})
}

func (s *RelayService) TypingNotice(ctx context.Context, connectionID string, in domain.TypingNotice) error {
	in.RoomID = strings.TrimSpace(in.RoomID)
	if err := s.validate.Struct(in); err != nil {
		return s.DropEvent(ctx, connectionID, "typingNotice", fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err))
	}

	return s.relay(ctx, connectionID, "typingNotice", domain.Outbound{
		Kind:    domain.OutTypingNotice,
		RoomID:  in.RoomID,
		Payload: in.Payload,
	})
}

// relay sends msg to every other member of the sender's room. It does not
// take s.mu: the registry read alone decides who is in the room.
func (s *RelayService) relay(ctx context.Context, connectionID, event string, msg domain.Outbound) error {
	self, peers, err := s.reg.Peers(connectionID, msg.RoomID)
	if err != nil {
		return s.DropEvent(ctx, connectionID, event, err)
	}
	msg.DisplayName = self.DisplayName
	s.metrics.Events.WithLabelValues(event).Inc()

	deliverAll(ctx, s.out, s.metrics, peers, msg)

	if s.pub != nil {
		pctx, cancel := context.WithTimeout(ctx, s.pubWait)
		defer cancel()
		if err := s.pub.Publish(pctx, connectionID, msg); err != nil {
			slog.WarnContext(ctx, "relay publish failed", "room", msg.RoomID, "event", event, "err", err)
		}
	}

	return nil
}

// DeliverRemote fans a message received from another instance out to every
// local member of its room.
func (s *RelayService) DeliverRemote(ctx context.Context, msg domain.Outbound) {
	if msg.Kind != domain.OutContentUpdate && msg.Kind != domain.OutTypingNotice {
		slog.DebugContext(ctx, "relay remote message ignored", "kind", msg.Kind)
		return
	}
	deliverAll(ctx, s.out, s.metrics, s.reg.MembersOf(msg.RoomID), msg)
}

// Leave ends the session on an explicit client request. It reports whether
// a participant was removed; a leave before join changes nothing and the
// session stays Unjoined.
func (s *RelayService) Leave(ctx context.Context, connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.departLocked(ctx, connectionID, "leave") {
		slog.DebugContext(ctx, "relay leave ignored, not joined", "conn", connectionID)
		return false
	}
	if _, ok := s.sessions[connectionID]; ok {
		s.sessions[connectionID] = stateClosed
	}
	s.metrics.Events.WithLabelValues("leave").Inc()
	return true
}

// Disconnect is called once by the transport when the socket is gone.
func (s *RelayService) Disconnect(ctx context.Context, connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, connectionID)
	s.metrics.Connections.Set(float64(len(s.sessions)))
	s.departLocked(ctx, connectionID, "disconnect")
}

func (s *RelayService) departLocked(ctx context.Context, connectionID, cause string) bool {
	p, ok := s.reg.Unregister(connectionID)
	if !ok {
		// не успел войти в комнату, объявлять нечего
		return false
	}
	s.metrics.Participants.Set(float64(s.reg.Len()))

	slog.InfoContext(ctx, "relay participant left",
		"conn", connectionID, "room", p.RoomID, "name", p.DisplayName, "cause", cause)
	s.presence.Announce(ctx, p.RoomID, domain.MemberLeft, p)
	return true
}

// DropEvent logs and counts a rejected event and returns err wrapped with
// the event name. Dropping never closes the connection.
func (s *RelayService) DropEvent(ctx context.Context, connectionID, event string, err error) error {
	s.metrics.Dropped.WithLabelValues(dropReason(err)).Inc()
	slog.WarnContext(ctx, "relay event dropped",
		"conn", connectionID, "event", event, "err", err)

	return fmt.Errorf("%s: %w", event, err)
}
