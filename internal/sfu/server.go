package sfu

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshconf/sfu-signaling/config"
	"github.com/meshconf/sfu-signaling/internal/bandwidth"
	"github.com/meshconf/sfu-signaling/internal/coordinator"
	"github.com/meshconf/sfu-signaling/internal/media"
	"github.com/meshconf/sfu-signaling/internal/protocol"
	"github.com/meshconf/sfu-signaling/internal/room"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrTooManyRooms = errors.New("maximum number of rooms reached")
)

// Limits carries the room-model constants. They are fixed at startup; the
// struct exists so tests can shrink timeouts.
type Limits struct {
	MaxParticipants    int
	MaxRooms           int
	MaxMessageLength   int
	MaxChatHistory     int
	HeartbeatInterval  time.Duration
	ParticipantTimeout time.Duration
	RoomEmptyTTL       time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxParticipants:    config.MaxParticipants,
		MaxRooms:           config.MaxRooms,
		MaxMessageLength:   config.MaxMessageLength,
		MaxChatHistory:     config.MaxChatHistory,
		HeartbeatInterval:  config.HeartbeatInterval,
		ParticipantTimeout: config.ParticipantTimeout,
		RoomEmptyTTL:       config.RoomEmptyTTL,
	}
}

// Server is the signaling orchestrator. It owns the room registry and is
// the single place room/participant state transitions happen; the transport
// and the coordinator fact handler both call into it.
type Server struct {
	limits    Limits
	coord     coordinator.Coordinator
	monitor   *bandwidth.Monitor
	router    *media.Router
	chat      *ChatManager
	streaming *StreamingManager

	mu    sync.RWMutex
	rooms map[string]*room.Room

	stopSweep chan struct{}
	sweepDone chan struct{}
}

func NewServer(coord coordinator.Coordinator, limits Limits) *Server {
	monitor := bandwidth.NewMonitor(config.BandwidthCeilingKbps, config.PacketLossCeiling)
	s := &Server{
		limits:    limits,
		coord:     coord,
		monitor:   monitor,
		router:    media.NewRouter(monitor, config.SenderBufferChunks),
		rooms:     make(map[string]*room.Room),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	s.chat = &ChatManager{server: s}
	s.streaming = newStreamingManager(s)
	return s
}

// Run subscribes to the coordinator's fact channel and starts the heartbeat
// sweep. It returns once both are running.
func (s *Server) Run(ctx context.Context) error {
	if err := s.coord.Subscribe(ctx, s.applyEvent); err != nil {
		return err
	}
	go s.sweepLoop()
	log.Printf("SFU server initialized")
	return nil
}

// Shutdown stops the sweep and tears down every room.
func (s *Server) Shutdown() {
	close(s.stopSweep)
	<-s.sweepDone

	s.mu.Lock()
	for _, rm := range s.rooms {
		rm.Cleanup()
	}
	s.rooms = make(map[string]*room.Room)
	s.mu.Unlock()
	log.Printf("SFU server shutdown complete")
}

// CreateRoom registers a new room locally, mirrors it in the shared store
// and publishes the fact so peer processes create their own mirrors.
func (s *Server) CreateRoom(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	if len(s.rooms) >= s.limits.MaxRooms {
		s.mu.Unlock()
		return "", ErrTooManyRooms
	}
	roomID := uuid.New().String()
	rm := room.New(roomID, name, s.limits.MaxParticipants, s.limits.MaxChatHistory, s.limits.MaxMessageLength)
	s.rooms[roomID] = rm
	s.mu.Unlock()

	if err := s.coord.PutRoom(ctx, coordinator.RoomRecord{ID: roomID, Name: name, CreatedAt: rm.CreatedAt}); err != nil {
		log.Printf("Failed to mirror room %s in shared store (continuing): %v", roomID, err)
	}
	s.publish(ctx, coordinator.Event{Type: coordinator.EventRoomCreated, RoomID: roomID, RoomName: name})

	log.Printf("Room created: %s - %s", roomID, name)
	return roomID, nil
}

// Room returns a locally registered room.
func (s *Server) Room(roomID string) (*room.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rm, ok := s.rooms[roomID]
	return rm, ok
}

// DeleteRoom detaches the room, clears its buffers and propagates the
// deletion. Unknown ids are a no-op.
func (s *Server) DeleteRoom(ctx context.Context, roomID string) {
	s.mu.Lock()
	rm, ok := s.rooms[roomID]
	if ok {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, p := range rm.All() {
		s.monitor.Remove(p.ID)
		s.router.ClearSender(p.ID)
	}
	rm.Cleanup()
	s.streaming.cleanup(roomID)

	if err := s.coord.DeleteRoom(ctx, roomID); err != nil {
		log.Printf("Failed to remove room %s from shared store: %v", roomID, err)
	}
	s.publish(ctx, coordinator.Event{Type: coordinator.EventRoomDeleted, RoomID: roomID})

	log.Printf("Room deleted: %s", roomID)
}

// ListRoomIDs returns the locally registered room ids.
func (s *Server) ListRoomIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

// HandleJoin admits a participant into a room. A local registry miss falls
// back to the coordinator's shared store: if a peer process created the
// room but the fact has not arrived yet, a local mirror is created and the
// join proceeds instead of failing on the propagation race.
func (s *Server) HandleJoin(ctx context.Context, roomID, participantName string, sink room.Sink) (string, room.Snapshot, error) {
	rm, ok := s.Room(roomID)
	if !ok {
		record, err := s.coord.GetRoom(ctx, roomID)
		if err != nil {
			return "", room.Snapshot{}, ErrRoomNotFound
		}
		rm = s.adoptRoom(record.ID, record.Name)
		log.Printf("Adopted room %s from shared store for join", roomID)
	}

	participantID := uuid.New().String()
	p := room.NewParticipant(participantID, participantName, roomID, sink)
	if err := rm.Add(p); err != nil {
		return "", room.Snapshot{}, err
	}

	s.chat.sendHistory(rm, p)

	s.broadcast(rm, protocol.NewMessage(protocol.TypeParticipantJoined, roomID, participantID, struct {
		Participant room.Info `json:"participant"`
	}{p.Info()}), participantID)

	s.publish(ctx, coordinator.Event{
		Type:            coordinator.EventParticipantJoined,
		RoomID:          roomID,
		ParticipantID:   participantID,
		ParticipantName: participantName,
	})

	log.Printf("Participant %s (%s) joined room %s", participantName, participantID, roomID)
	return participantID, rm.Snapshot(), nil
}

// HandleLeave removes a participant. It is idempotent: leaving twice, or
// leaving a room that no longer exists, does nothing.
func (s *Server) HandleLeave(ctx context.Context, roomID, participantID string) {
	rm, ok := s.Room(roomID)
	if !ok {
		return
	}

	s.monitor.Remove(participantID)
	s.router.ClearSender(participantID)

	if !rm.Remove(participantID) {
		return
	}

	s.broadcast(rm, protocol.NewMessage(protocol.TypeParticipantLeft, roomID, participantID, nil), "")

	s.publish(ctx, coordinator.Event{
		Type:          coordinator.EventParticipantLeft,
		RoomID:        roomID,
		ParticipantID: participantID,
	})

	log.Printf("Participant %s left room %s", participantID, roomID)
}

// HandleStartPublish and HandleStopPublish toggle the publishing flag and
// tell the other members. Routing eligibility is unaffected.
func (s *Server) HandleStartPublish(roomID, participantID string) {
	s.setPublishing(roomID, participantID, true, protocol.TypeParticipantStartedPublishing)
}

func (s *Server) HandleStopPublish(roomID, participantID string) {
	s.setPublishing(roomID, participantID, false, protocol.TypeParticipantStoppedPublishing)
}

func (s *Server) setPublishing(roomID, participantID string, publishing bool, event protocol.MessageType) {
	rm, ok := s.Room(roomID)
	if !ok {
		return
	}
	p, ok := rm.Get(participantID)
	if !ok {
		return
	}
	p.SetPublishing(publishing)
	s.broadcast(rm, protocol.NewMessage(event, roomID, participantID, nil), participantID)
}

// HandleMediaChunk is the media path: bandwidth advisory for the sender,
// then routing to the other members, then livestream buffering. Chunks from
// non-members are dropped silently; that is the expected in-flight-leave
// race, not an error.
func (s *Server) HandleMediaChunk(roomID, participantID string, frame []byte) {
	rm, ok := s.Room(roomID)
	if !ok {
		return
	}
	sender, ok := rm.Get(participantID)
	if !ok {
		return
	}

	stats := s.monitor.Compute(participantID)
	if ok, reason := s.monitor.CheckThreshold(participantID); !ok {
		log.Printf("Bandwidth warning for %s: %s", participantID, reason)
		s.sendTo(sender, protocol.NewMessage(protocol.TypeBandwidthWarning, roomID, participantID, struct {
			Reason string          `json:"reason"`
			Stats  bandwidth.Stats `json:"stats"`
		}{reason, stats}))
	}

	if _, err := s.router.Route(rm, participantID, frame); err != nil {
		if !errors.Is(err, media.ErrStaleSequence) {
			log.Printf("Dropping media chunk from %s: %v", participantID, err)
		}
		return
	}

	if rm.IsLivestreaming() {
		s.streaming.handleStreamData(roomID, frame)
	}
}

// HandleHeartbeat refreshes the participant's liveness timestamp.
func (s *Server) HandleHeartbeat(roomID, participantID string) {
	rm, ok := s.Room(roomID)
	if !ok {
		return
	}
	if p, ok := rm.Get(participantID); ok {
		p.Heartbeat()
	}
}

// HandleRequestKeyframe relays a keyframe request to the target sender.
func (s *Server) HandleRequestKeyframe(roomID, fromID, targetID string) {
	rm, ok := s.Room(roomID)
	if !ok {
		return
	}
	s.router.RequestKeyframe(rm, fromID, targetID)
}

// RelayToParticipant forwards an opaque signaling message (offer, answer,
// ice-candidate) to the target participant, with the sender id preserved in
// the envelope so the recipient knows who it came from.
func (s *Server) RelayToParticipant(roomID, targetID string, msg *protocol.Message) bool {
	rm, ok := s.Room(roomID)
	if !ok {
		return false
	}
	target, ok := rm.Get(targetID)
	if !ok {
		return false
	}
	s.sendTo(target, msg)
	return true
}

func (s *Server) HandleChatMessage(roomID, participantID, text string) error {
	return s.chat.handleMessage(roomID, participantID, text)
}

func (s *Server) HandleStartLivestream(roomID, participantID string) (string, error) {
	return s.streaming.start(roomID, participantID)
}

func (s *Server) HandleStopLivestream(roomID, participantID string) error {
	return s.streaming.stop(roomID, participantID)
}

// Stats summarizes the orchestrator for the inspection endpoint.
type Stats struct {
	TotalRooms        int               `json:"totalRooms"`
	TotalParticipants int               `json:"totalParticipants"`
	BandwidthStats    []bandwidth.Stats `json:"bandwidthStats"`
	MediaRouter       media.Stats       `json:"mediaRouterStats"`
	ActiveStreams     []string          `json:"activeStreams"`
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	totalRooms := len(s.rooms)
	totalParticipants := 0
	for _, rm := range s.rooms {
		totalParticipants += rm.Count()
	}
	s.mu.RUnlock()

	return Stats{
		TotalRooms:        totalRooms,
		TotalParticipants: totalParticipants,
		BandwidthStats:    s.monitor.All(),
		MediaRouter:       s.router.Stats(),
		ActiveStreams:     s.streaming.activeRooms(),
	}
}

// sweepLoop runs the heartbeat sweep on a fixed interval until Shutdown.
func (s *Server) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.limits.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep evicts participants whose last heartbeat exceeds the liveness
// timeout and deletes rooms that stayed empty past the grace period.
func (s *Server) Sweep(ctx context.Context) {
	s.mu.RLock()
	rooms := make([]*room.Room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		rooms = append(rooms, rm)
	}
	s.mu.RUnlock()

	for _, rm := range rooms {
		for _, p := range rm.All() {
			if !p.Alive(s.limits.ParticipantTimeout) {
				log.Printf("Participant %s timed out in room %s", p.ID, rm.ID)
				s.HandleLeave(ctx, rm.ID, p.ID)
			}
		}
		if since := rm.EmptySince(); !since.IsZero() && time.Since(since) >= s.limits.RoomEmptyTTL {
			log.Printf("Room %s empty past grace period, deleting", rm.ID)
			s.DeleteRoom(ctx, rm.ID)
		}
	}
}

// applyEvent applies facts from peer processes to the local registry.
// Participant facts are informational only: participants are bound to the
// transport of exactly one process, so remote membership is never mirrored.
func (s *Server) applyEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventRoomCreated:
		if _, ok := s.Room(event.RoomID); !ok {
			s.adoptRoom(event.RoomID, event.RoomName)
			log.Printf("Mirrored room %s from coordinator", event.RoomID)
		}
	case coordinator.EventRoomDeleted:
		s.mu.Lock()
		rm, ok := s.rooms[event.RoomID]
		if ok {
			delete(s.rooms, event.RoomID)
		}
		s.mu.Unlock()
		if ok {
			rm.Cleanup()
			s.streaming.cleanup(event.RoomID)
			log.Printf("Removed room %s on coordinator event", event.RoomID)
		}
	case coordinator.EventParticipantJoined, coordinator.EventParticipantLeft:
		// Informational only.
	default:
		log.Printf("Ignoring unknown coordinator event type %q", event.Type)
	}
}

// adoptRoom registers a locally empty mirror of a room that exists on
// another process.
func (s *Server) adoptRoom(roomID, name string) *room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rooms[roomID]; ok {
		return existing
	}
	rm := room.New(roomID, name, s.limits.MaxParticipants, s.limits.MaxChatHistory, s.limits.MaxMessageLength)
	s.rooms[roomID] = rm
	return rm
}

// publish sends a fact to the coordinator, fire-and-forget. Publish
// failures never roll back the local state change that triggered them.
func (s *Server) publish(ctx context.Context, event coordinator.Event) {
	if err := s.coord.Publish(ctx, event); err != nil {
		log.Printf("Failed to publish %s event for room %s: %v", event.Type, event.RoomID, err)
	}
}

func (s *Server) broadcast(rm *room.Room, msg *protocol.Message, excludeID string) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("Failed to encode %s broadcast: %v", msg.Type, err)
		return
	}
	rm.BroadcastText(data, excludeID)
}

func (s *Server) sendTo(p *room.Participant, msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("Failed to encode %s message: %v", msg.Type, err)
		return
	}
	if !p.SendText(data) {
		log.Printf("Dropped %s message to %s, send buffer full", msg.Type, p.ID)
	}
}
