package http

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cwrk-planet/collab-relay/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
)

// RoomReader is the read side of the participant registry.
type RoomReader interface {
	Rooms() []domain.RoomSummary
	MembersOf(roomID string) []domain.Participant
}

type Handler struct {
	rooms RoomReader
	ready atomic.Bool
	now   func() time.Time
}

func NewHandler(rooms RoomReader) *Handler {
	h := &Handler{rooms: rooms, now: time.Now}
	h.ready.Store(true)
	return h
}

// SetReady переключает /readyz; при остановке сервиса ставится false.
func (h *Handler) SetReady(v bool) {
	h.ready.Store(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "OK", Timestamp: h.now().UTC()})
}

// GET /healthz
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// GET /readyz
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "shutting down"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// GET /rooms
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	items := lo.Map(h.rooms.Rooms(), func(s domain.RoomSummary, _ int) RoomItem {
		return RoomItem{RoomID: s.RoomID, Participants: s.Participants}
	})
	writeJSON(w, http.StatusOK, RoomsListResponse{Items: items})
}

// GET /rooms/{id}/participants
func (h *Handler) GetParticipants(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	members := h.rooms.MembersOf(roomID)
	if len(members) == 0 {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "room not found"})
		return
	}

	items := lo.Map(members, func(p domain.Participant, _ int) ParticipantItem {
		return ParticipantItem{DisplayName: p.DisplayName, AvatarRef: p.AvatarRef, JoinedAt: p.JoinedAt}
	})
	writeJSON(w, http.StatusOK, ParticipantsResponse{RoomID: roomID, Items: items})
}
