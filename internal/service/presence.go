package service

import (
	"context"
	"fmt"

	"github.com/cwrk-planet/collab-relay/internal/domain"
	"github.com/cwrk-planet/collab-relay/internal/metrics"
	"github.com/cwrk-planet/collab-relay/internal/registry"

	"github.com/samber/lo"
)

// PresenceNotifier рассылает актуальный список участников и тосты о входе/выходе.
type PresenceNotifier struct {
	reg     *registry.Registry
	out     Dispatcher
	metrics *metrics.Metrics
}

func NewPresenceNotifier(reg *registry.Registry, out Dispatcher, m *metrics.Metrics) *PresenceNotifier {
	return &PresenceNotifier{reg: reg, out: out, metrics: m}
}

// Announce snapshots the room and enqueues the member list plus the
// announcement for every current member. Callers must serialise Announce
// with registry mutations (RelayService holds its membership lock) so each
// recipient sees member lists in registry order.
func (n *PresenceNotifier) Announce(ctx context.Context, roomID string, kind domain.PresenceKind, p domain.Participant) {
	members := n.reg.MembersOf(roomID)
	n.metrics.Announcements.WithLabelValues(string(kind)).Inc()
	if len(members) == 0 {
		return
	}

	list := domain.Outbound{
		Kind:    domain.OutMemberList,
		RoomID:  roomID,
		Members: lo.Map(members, func(m domain.Participant, _ int) domain.Member { return m.Member() }),
	}
	note := domain.Outbound{
		Kind:         domain.OutAnnouncement,
		RoomID:       roomID,
		Announcement: announcement(kind, p.DisplayName),
	}

	// уходящий уже удалён из реестра, поэтому свой тост он не получит
	deliverAll(ctx, n.out, n.metrics, members, list)
	deliverAll(ctx, n.out, n.metrics, members, note)
}

func announcement(kind domain.PresenceKind, name string) string {
	if kind == domain.MemberLeft {
		return fmt.Sprintf("%s left the room", name)
	}
	return fmt.Sprintf("%s joined the room", name)
}
