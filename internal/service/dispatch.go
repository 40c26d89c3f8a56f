package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cwrk-planet/collab-relay/internal/domain"
	"github.com/cwrk-planet/collab-relay/internal/metrics"
)

// Dispatcher enqueues a message for one live connection. It must not block
// on network I/O.
type Dispatcher interface {
	Deliver(connectionID string, msg domain.Outbound) error
}

// Publisher forwards relayed events to other relay instances.
type Publisher interface {
	Publish(ctx context.Context, originConnectionID string, msg domain.Outbound) error
}

// deliverAll работает best-effort: недоступный получатель пропускается, без ретраев.
func deliverAll(ctx context.Context, out Dispatcher, m *metrics.Metrics, targets []domain.Participant, msg domain.Outbound) {
	for _, t := range targets {
		if err := out.Deliver(t.ConnectionID, msg); err != nil {
			m.Skipped.WithLabelValues(skipReason(err)).Inc()
			slog.DebugContext(ctx, "relay delivery skipped",
				"conn", t.ConnectionID, "room", msg.RoomID, "kind", msg.Kind, "err", err)
		}
	}
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, domain.ErrPeerGone):
		return "peer_gone"
	default:
		return "other"
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidEvent):
		return "invalid"
	case errors.Is(err, domain.ErrUnknownEvent):
		return "unknown_type"
	case errors.Is(err, domain.ErrRoomMismatch):
		return "room_mismatch"
	case errors.Is(err, domain.ErrNotJoined):
		return "not_joined"
	case errors.Is(err, domain.ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, domain.ErrSessionClosed):
		return "session_closed"
	default:
		return "other"
	}
}
