package domain

import "errors"

var (
	ErrInvalidEvent  = errors.New("invalid event")
	ErrUnknownEvent  = errors.New("unknown event type")
	ErrNotJoined     = errors.New("connection has not joined a room")
	ErrAlreadyJoined = errors.New("connection already joined a room")
	ErrRoomMismatch  = errors.New("event room does not match joined room")
	ErrSessionClosed = errors.New("session closed")
	ErrPeerGone      = errors.New("peer connection gone")
	ErrSlowConsumer  = errors.New("peer send buffer full")
)
