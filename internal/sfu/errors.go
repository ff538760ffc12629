package sfu

import "errors"

var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrRoomClosed           = errors.New("room is closed")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrParticipantClosed    = errors.New("participant is closed")
	ErrDuplicateParticipant = errors.New("participant already joined")
	ErrTransportNotFound    = errors.New("transport not owned by participant")
	ErrProducerNotFound     = errors.New("producer not registered in room")
	ErrConsumerNotFound     = errors.New("consumer not owned by participant")
	ErrNotPublisher         = errors.New("participant is view-only")
	ErrBadDirection         = errors.New("unsupported transport direction")
	ErrBadMediaKind         = errors.New("unsupported media kind")
)
