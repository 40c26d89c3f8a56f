package ws

import (
	"encoding/json"
	"fmt"

	"github.com/cwrk-planet/collab-relay/internal/domain"
)

// Типы событий, которые поступают в WS
const (
	TypeJoin          = "join"
	TypeContentUpdate = "contentUpdate"
	TypeTypingNotice  = "typingNotice"
	TypeLeave         = "leave"

	// имена событий старого socket.io клиента
	typeJoinLegacy = "joinroom"
	typeSendLegacy = "send"
)

// Типы событий, которые уходят клиенту
const (
	TypeMemberList   = "memberList"
	TypeAnnouncement = "announcement"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`

	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

func (p JoinPayload) toDomain() domain.JoinRequest {
	return domain.JoinRequest{
		RoomID:      p.RoomID,
		DisplayName: firstNonEmpty(p.DisplayName, p.Username),
		AvatarRef:   firstNonEmpty(p.AvatarRef, p.Avatar),
	}
}

type ContentPayload struct {
	RoomID      string `json:"roomId"`
	Payload     string `json:"payload"`
	LanguageTag string `json:"languageTag,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	Msg      string `json:"msg,omitempty"`
	Language string `json:"language,omitempty"`
}

func (p ContentPayload) toDomain() domain.ContentUpdate {
	return domain.ContentUpdate{
		RoomID:      p.RoomID,
		Payload:     firstNonEmpty(p.Payload, p.Msg),
		LanguageTag: firstNonEmpty(p.LanguageTag, p.Language),
	}
}

type TypingPayload struct {
	RoomID      string `json:"roomId"`
	Payload     string `json:"payload"`
	DisplayName string `json:"displayName,omitempty"`
}

func (p TypingPayload) toDomain() domain.TypingNotice {
	return domain.TypingNotice{RoomID: p.RoomID, Payload: p.Payload}
}

type MemberListPayload struct {
	RoomID  string          `json:"roomId"`
	Members []domain.Member `json:"members"`
}

type AnnouncementPayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// encode builds the wire frame for an outbound message.
func encode(msg domain.Outbound) ([]byte, error) {
	var (
		typ     string
		payload any
	)
	switch msg.Kind {
	case domain.OutMemberList:
		members := msg.Members
		if members == nil {
			members = []domain.Member{}
		}
		typ, payload = TypeMemberList, MemberListPayload{RoomID: msg.RoomID, Members: members}
	case domain.OutAnnouncement:
		typ, payload = TypeAnnouncement, AnnouncementPayload{RoomID: msg.RoomID, Message: msg.Announcement}
	case domain.OutContentUpdate:
		typ, payload = TypeContentUpdate, ContentPayload{
			RoomID:      msg.RoomID,
			Payload:     msg.Payload,
			LanguageTag: msg.LanguageTag,
			DisplayName: msg.DisplayName,
		}
	case domain.OutTypingNotice:
		typ, payload = TypeTypingNotice, TypingPayload{
			RoomID:      msg.RoomID,
			Payload:     msg.Payload,
			DisplayName: msg.DisplayName,
		}
	default:
		return nil, fmt.Errorf("encode %q: %w", msg.Kind, domain.ErrUnknownEvent)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %q payload: %w", msg.Kind, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload: %w", domain.ErrInvalidEvent)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
