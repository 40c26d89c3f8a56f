package http

import "time"

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type RoomItem struct {
	RoomID       string `json:"roomId"`
	Participants int    `json:"participants"`
}

type RoomsListResponse struct {
	Items []RoomItem `json:"items"`
}

type ParticipantItem struct {
	DisplayName string    `json:"displayName"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

type ParticipantsResponse struct {
	RoomID string            `json:"roomId"`
	Items  []ParticipantItem `json:"items"`
}
