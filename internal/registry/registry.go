package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cwrk-planet/collab-relay/internal/domain"

	"github.com/samber/lo"
)

type set map[string]struct{}

// Registry хранит участников по connection id и индекс комнат.
// Обе карты меняются только под одним mu, поэтому индекс всегда
// совпадает с реестром.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]domain.Participant // connectionID -> participant
	rooms map[string]set                // roomID -> connectionIDs
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]domain.Participant),
		rooms: make(map[string]set),
	}
}

// Register inserts or replaces the participant for p.ConnectionID.
func (r *Registry) Register(p domain.Participant) error {
	if strings.TrimSpace(p.ConnectionID) == "" ||
		strings.TrimSpace(p.RoomID) == "" ||
		strings.TrimSpace(p.DisplayName) == "" {
		return fmt.Errorf("register %q: %w", p.ConnectionID, domain.ErrInvalidEvent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[p.ConnectionID]; ok && prev.RoomID != p.RoomID {
		r.dropFromRoom(prev.RoomID, p.ConnectionID)
	}
	r.conns[p.ConnectionID] = p

	members, ok := r.rooms[p.RoomID]
	if !ok {
		members = make(set)
		r.rooms[p.RoomID] = members
	}
	members[p.ConnectionID] = struct{}{}

	return nil
}

// Unregister removes the entry and returns it; false if the connection never joined.
func (r *Registry) Unregister(connectionID string) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.conns[connectionID]
	if !ok {
		return domain.Participant{}, false
	}
	delete(r.conns, connectionID)
	r.dropFromRoom(p.RoomID, connectionID)

	return p, true
}

func (r *Registry) Lookup(connectionID string) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.conns[connectionID]
	return p, ok
}

// MembersOf returns the participants of roomID ordered by join time.
func (r *Registry) MembersOf(roomID string) []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.membersLocked(roomID, "")
}

// Peers checks that connectionID is joined to roomID and returns its own
// entry plus everyone else in that room, in one read of the table.
func (r *Registry) Peers(connectionID, roomID string) (domain.Participant, []domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.conns[connectionID]
	if !ok {
		return domain.Participant{}, nil, domain.ErrNotJoined
	}
	if p.RoomID != roomID {
		return domain.Participant{}, nil, fmt.Errorf("joined %q, got %q: %w", p.RoomID, roomID, domain.ErrRoomMismatch)
	}

	return p, r.membersLocked(roomID, connectionID), nil
}

func (r *Registry) Rooms() []domain.RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := lo.MapToSlice(r.rooms, func(id string, members set) domain.RoomSummary {
		return domain.RoomSummary{RoomID: id, Participants: len(members)}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })

	return out
}

// Len возвращает число зарегистрированных участников.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

func (r *Registry) membersLocked(roomID, exclude string) []domain.Participant {
	members := r.rooms[roomID]
	out := make([]domain.Participant, 0, len(members))
	for id := range members {
		if id == exclude {
			continue
		}
		out = append(out, r.conns[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})

	return out
}

func (r *Registry) dropFromRoom(roomID, connectionID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connectionID)
	// пустая комната просто исчезает из индекса
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}
