package domain

// Входящие события от клиента.

type JoinRequest struct {
	RoomID      string `validate:"required"`
	DisplayName string `validate:"required"`
	AvatarRef   string
}

type ContentUpdate struct {
	RoomID      string `validate:"required"`
	Payload     string
	LanguageTag string
}

type TypingNotice struct {
	RoomID  string `validate:"required"`
	Payload string
}

// Исходящие события (сервер -> клиент).

type OutboundKind string

const (
	OutMemberList    OutboundKind = "memberList"
	OutAnnouncement  OutboundKind = "announcement"
	OutContentUpdate OutboundKind = "contentUpdate"
	OutTypingNotice  OutboundKind = "typingNotice"
)

// Outbound is a single message queued for one connection.
type Outbound struct {
	Kind         OutboundKind
	RoomID       string
	Members      []Member
	Announcement string
	Payload      string
	LanguageTag  string
	DisplayName  string
}

type PresenceKind string

const (
	MemberJoined PresenceKind = "memberJoined"
	MemberLeft   PresenceKind = "memberLeft"
)
