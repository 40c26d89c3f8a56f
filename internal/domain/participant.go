package domain

import "time"

// Participant описывает присутствие одного соединения в комнате.
type Participant struct {
	ConnectionID string
	DisplayName  string
	AvatarRef    string
	RoomID       string
	JoinedAt     time.Time
}

// Member is what other clients see in a member list.
type Member struct {
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

func (p Participant) Member() Member {
	return Member{DisplayName: p.DisplayName, AvatarRef: p.AvatarRef}
}

type RoomSummary struct {
	RoomID       string
	Participants int
}
