package coordinator

import (
	"context"
	"errors"
	"time"
)

// EventType tags the facts propagated between server processes.
type EventType string

const (
	EventRoomCreated       EventType = "room-created"
	EventRoomDeleted       EventType = "room-deleted"
	EventParticipantJoined EventType = "participant-joined"
	EventParticipantLeft   EventType = "participant-left"
)

// Event is one room-lifecycle fact published on the shared channel. Facts
// are best-effort hints to peer processes; the publishing process stays
// authoritative for its own rooms.
type Event struct {
	Type            EventType `json:"type"`
	RoomID          string    `json:"roomId"`
	RoomName        string    `json:"roomName,omitempty"`
	ParticipantID   string    `json:"participantId,omitempty"`
	ParticipantName string    `json:"participantName,omitempty"`
}

// RoomRecord is the minimal room mirror kept in the shared store so any
// process can enumerate known rooms without holding their connections.
type RoomRecord struct {
	ID        string    `json:"roomId"`
	Name      string    `json:"roomName"`
	CreatedAt time.Time `json:"createdAt"`
}

var ErrRoomRecordNotFound = errors.New("room record not found")

// Handler receives events published by any process, including this one.
type Handler func(Event)

// Coordinator is the pub/sub channel plus shared key-value store that keeps
// multiple server processes aware of each other's room lifecycle.
type Coordinator interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe registers the handler and starts delivering events until
	// ctx is cancelled. Call it once per process.
	Subscribe(ctx context.Context, handler Handler) error

	PutRoom(ctx context.Context, record RoomRecord) error
	GetRoom(ctx context.Context, roomID string) (RoomRecord, error)
	DeleteRoom(ctx context.Context, roomID string) error
	ListRooms(ctx context.Context) ([]RoomRecord, error)

	Close() error
}
