package sfu

import (
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/meshconf/sfu-signaling/config"
	"github.com/meshconf/sfu-signaling/internal/protocol"
	"github.com/meshconf/sfu-signaling/internal/room"
)

var ErrNotLivestreaming = errors.New("room is not livestreaming")

// StreamingManager toggles per-room livestream state and keeps a bounded
// buffer of routed frames while a stream is active. Forwarding to an
// external RTMP/CDN endpoint is an intentional stub; the buffer is the
// integration point.
type StreamingManager struct {
	server *Server

	mu        sync.Mutex
	buffers   map[string][][]byte
	bufferCap int
}

func newStreamingManager(server *Server) *StreamingManager {
	return &StreamingManager{
		server:    server,
		buffers:   make(map[string][][]byte),
		bufferCap: config.StreamBufferChunks,
	}
}

// start flags the room as livestreaming under a fresh stream key and tells
// every member.
func (sm *StreamingManager) start(roomID, participantID string) (string, error) {
	rm, ok := sm.server.Room(roomID)
	if !ok {
		return "", ErrRoomNotFound
	}
	if _, ok := rm.Get(participantID); !ok {
		return "", room.ErrNotMember
	}

	streamKey := uuid.New().String()
	rm.StartLivestream(streamKey)

	sm.mu.Lock()
	sm.buffers[roomID] = nil
	sm.mu.Unlock()

	sm.server.broadcast(rm, protocol.NewMessage(protocol.TypeLivestreamStarted, roomID, participantID, struct {
		StreamKey string `json:"streamKey"`
		StartedBy string `json:"startedBy"`
	}{streamKey, participantID}), "")

	log.Printf("Livestream started in room %s with key %s", roomID, streamKey)
	return streamKey, nil
}

// stop clears the livestream flag and buffer and tells every member.
func (sm *StreamingManager) stop(roomID, participantID string) error {
	rm, ok := sm.server.Room(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	if !rm.IsLivestreaming() {
		return ErrNotLivestreaming
	}

	rm.StopLivestream()
	sm.cleanup(roomID)

	sm.server.broadcast(rm, protocol.NewMessage(protocol.TypeLivestreamStopped, roomID, participantID, struct {
		StoppedBy string `json:"stoppedBy"`
	}{participantID}), "")

	log.Printf("Livestream stopped in room %s", roomID)
	return nil
}

// handleStreamData appends a routed frame to the room's stream buffer,
// evicting the oldest frame past capacity.
func (sm *StreamingManager) handleStreamData(roomID string, frame []byte) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	buf, ok := sm.buffers[roomID]
	if !ok {
		return
	}
	buf = append(buf, frame)
	if len(buf) > sm.bufferCap {
		buf = buf[1:]
	}
	sm.buffers[roomID] = buf
}

// streamBuffer returns the buffered frames for a room, oldest first.
func (sm *StreamingManager) streamBuffer(roomID string) [][]byte {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	buf := sm.buffers[roomID]
	out := make([][]byte, len(buf))
	copy(out, buf)
	return out
}

func (sm *StreamingManager) activeRooms() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	rooms := make([]string, 0, len(sm.buffers))
	for roomID := range sm.buffers {
		rooms = append(rooms, roomID)
	}
	return rooms
}

func (sm *StreamingManager) cleanup(roomID string) {
	sm.mu.Lock()
	delete(sm.buffers, roomID)
	sm.mu.Unlock()
}
