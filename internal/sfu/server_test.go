package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meshconf/sfu-signaling/internal/coordinator"
	"github.com/meshconf/sfu-signaling/internal/protocol"
	"github.com/meshconf/sfu-signaling/internal/room"
)

type fakeSink struct {
	mu     sync.Mutex
	texts  [][]byte
	binary [][]byte
}

func (s *fakeSink) SendText(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, data)
	return true
}

func (s *fakeSink) SendBinary(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binary = append(s.binary, data)
	return true
}

func (s *fakeSink) Close() {}

func (s *fakeSink) binaryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.binary)
}

// messagesOfType decodes the sink's text frames and returns those matching t.
func (s *fakeSink) messagesOfType(mt protocol.MessageType) []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Message
	for _, data := range s.texts {
		var msg protocol.Message
		if json.Unmarshal(data, &msg) == nil && msg.Type == mt {
			out = append(out, &msg)
		}
	}
	return out
}

func testLimits() Limits {
	l := DefaultLimits()
	l.MaxParticipants = 3
	l.HeartbeatInterval = time.Hour // sweeps are driven manually in tests
	return l
}

func newTestServer(t *testing.T, limits Limits) (*Server, *coordinator.Memory) {
	t.Helper()
	coord := coordinator.NewMemory()
	s := NewServer(coord, limits)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s, coord
}

func mustJoin(t *testing.T, s *Server, roomID, name string) (string, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	id, _, err := s.HandleJoin(context.Background(), roomID, name, sink)
	if err != nil {
		t.Fatalf("HandleJoin(%s): %v", name, err)
	}
	return id, sink
}

func mediaFrame(t *testing.T, sender string, kind protocol.MediaKind, seq uint64) []byte {
	t.Helper()
	data, err := protocol.EncodeMediaFrame(&protocol.ChunkMeta{
		ParticipantID: sender,
		RoomID:        "ignored",
		Type:          kind,
		Sequence:      seq,
		Timestamp:     time.Now().UnixMilli(),
	}, []byte{0xaa, 0xbb})
	if err != nil {
		t.Fatalf("EncodeMediaFrame: %v", err)
	}
	return data
}

func TestJoinReturnsSnapshotWithCount(t *testing.T) {
	s, _ := newTestServer(t, testLimits())
	ctx := context.Background()

	roomID, err := s.CreateRoom(ctx, "standup")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	_, _, err = s.HandleJoin(ctx, roomID, "alice", &fakeSink{})
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}

	_, snap, err := s.HandleJoin(ctx, roomID, "bob", &fakeSink{})
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}
	if snap.ParticipantCount != 2 {
		t.Fatalf("snapshot count = %d, want 2", snap.ParticipantCount)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	s, _ := newTestServer(t, testLimits())

	_, _, err := s.HandleJoin(context.Background(), "no-such-room", "alice", &fakeSink{})
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("got %v, want ErrRoomNotFound", err)
	}
}

func TestJoinFallsBackToSharedStore(t *testing.T) {
	s, coord := newTestServer(t, testLimits())
	ctx := context.Background()

	// The room exists in the shared store but the room-created fact never
	// reached this process.
	record := coordinator.RoomRecord{ID: "remote-room", Name: "remote", CreatedAt: time.Now()}
	if err := coord.PutRoom(ctx, record); err != nil {
		t.Fatalf("PutRoom: %v", err)
	}

	_, snap, err := s.HandleJoin(ctx, "remote-room", "alice", &fakeSink{})
	if err != nil {
		t.Fatalf("HandleJoin via store fallback: %v", err)
	}
	if snap.Name != "remote" || snap.ParticipantCount != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestJoinFullRoomDoesNotMutate(t *testing.T) {
	s, _ := newTestServer(t, testLimits()) // capacity 3
	ctx := context.Background()

	roomID, _ := s.CreateRoom(ctx, "packed")
	for i := 0; i < 3; i++ {
		mustJoin(t, s, roomID, fmt.Sprintf("p%d", i))
	}

	_, _, err := s.HandleJoin(ctx, roomID, "late", &fakeSink{})
	if !errors.Is(err, room.ErrRoomFull) {
		t.Fatalf("got %v, want ErrRoomFull", err)
	}

	rm, _ := s.Room(roomID)
	if rm.Count() != 3 {
		t.Fatalf("room mutated by failed join: count = %d", rm.Count())
	}
}

func TestJoinBroadcastsToOthers(t *testing.T) {
	s, _ := newTestServer(t, testLimits())
	ctx := context.Background()

	roomID, _ := s.CreateRoom(ctx, "r")
	_, aliceSink := mustJoin(t, s, roomID, "alice")
	bobID, bobSink := mustJoin(t, s, roomID, "bob")

	joined := aliceSink.messagesOfType(protocol.TypeParticipantJoined)
	if len(joined) != 1 || joined[0].ParticipantID != bobID {
		t.Fatalf("alice saw joined events %v", joined)
	}
	if len(bobSink.messagesOfType(protocol.TypeParticipantJoined)) != 0 {
		t.Fatal("joiner received its own participant-joined event")
	}
	// Joiner gets the chat history instead.
	if len(bobSink.messagesOfType(protocol.TypeChatHistory)) != 1 {
		t.Fatal("joiner did not receive chat history")
	}
}

func TestLeaveIsIdempotentAndBroadcast(t *testing.T) {
	s, _ := newTestServer(t, testLimits())
	ctx := context.Background()

	roomID, _ := s.CreateRoom(ctx, "r")
	aliceID, _ := mustJoin(t, s, roomID, "alice")
	_, bobSink := mustJoin(t, s, roomID, "bob")

	s.HandleLeave(ctx, roomID, aliceID)
	s.HandleLeave(ctx, roomID, aliceID) // no-op

	left := bobSink.messagesOfType(protocol.TypeParticipantLeft)
	if len(left) != 1 || left[0].ParticipantID != aliceID {
		t.Fatalf("bob saw left events %v", left)
	}

	rm, _ := s.Room(roomID)
	if rm.Count() != 1 {
		t.Fatalf("room count = %d after leave, want 1", rm.Count())
	}
}

func TestMediaChunkRelayAndDuplicateDrop(t *testing.T) {
	s, _ := newTestServer(t, testLimits())
	ctx := context.Background()

	roomID, _ := s.CreateRoom(ctx, "r")
	aliceID, aliceSink := mustJoin(t, s, roomID, "alice")
	_, bobSink := mustJoin(t, s, roomID, "bob")

	chunk := mediaFrame(t, aliceID, protocol.MediaAudio, 1)
	s.HandleMediaChunk(roomID, aliceID, chunk)

	if bobSink.binaryCount() != 1 {
		t.Fatalf("bob received %d chunks, want 1", bobSink.binaryCount())
	}
	if aliceSink.binaryCount() != 0 {
		t.Fatal("sender received its own chunk")
	}

	// Same sequence again: dropped.
	s.HandleMediaChunk(roomID, aliceID, chunk)
	if bobSink.binaryCount() != 1 {
		t.Fatalf("duplicate was forwarded: bob has %d chunks", bobSink.binaryCount())
	}
}

func TestMediaChunkFromNonMemberDropped(t *testing.T) {
	s, _ := newTestServer(t, testLimits())
	ctx := context.Background()

	roomID, _ := s.CreateRoom(ctx, "r")
	_, bobSink := mustJoin(t, s, roomID, "bob")

	s.HandleMediaChunk(roomID, "ghost", mediaFrame(t, "ghost", protocol.MediaVideo, 1))
	if bobSink.binaryCount() != 0 {
		t.Fatal("chunk from non-member was forwarded")
	}
}

func TestPublishToggleBroadcast(t *testing.T) {
	s, _ := newTestServer(t, testLimits())
	ctx := context.Background()

	roomID, _ := s.CreateRoom(ctx, "r")
	aliceID, _ := mustJoin(t, s, roomID, "alice")
	_, bobSink := mustJoin(t, s, roomID, "bob")

	s.HandleStartPublish(roomID, aliceID)

	rm, _ := s.Room(roomID)
	p, _ := rm.Get(aliceID)
	if !p.Publishing() {
		t.Fatal("publishing flag not set")
	}
	if len(bobSink.messagesOfType(protocol.TypeParticipantStartedPublishing)) != 1 {
		t.Fatal("bob did not see start-publish event")
	}

	s.HandleStopPublish(roomID, aliceID)
	if p.Publishing() {
		t.Fatal("publishing flag not cleared")
	}
}

func TestHeartbeatTimeoutEvicts(t *testing.T) {
	limits := testLimits()
	limits.ParticipantTimeout = 30 * time.Millisecond
	s, _ := newTestServer(t, limits)
	ctx := context.Background()

	roomID, _ := s.CreateRoom(ctx, "r")
	aliceID, _ := mustJoin(t, s, roomID, "alice")
	bobID, bobSink := mustJoin(t, s, roomID, "bob")

	// Only bob keeps heartbeating.
	deadline := time.Now().Add(60 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.HandleHeartbeat(roomID, bobID)
		time.Sleep(5 * time.Millisecond)
	}
	s.Sweep(ctx)

	rm, _ := s.Room(roomID)
	if _, ok := rm.Get(aliceID); ok {
		t.Fatal("timed-out participant still in room")
	}
	if _, ok := rm.Get(bobID); !ok {
		t.Fatal("live participant evicted")
	}

	left := bobSink.messagesOfType(protocol.TypeParticipantLeft)
	if len(left) != 1 || left[0].ParticipantID != aliceID {
		t.Fatalf("bob saw left events %v, want one for alice", left)
	}
}

func TestEmptyRoomGracePeriod(t *testing.T) {
	limits := testLimits()
	limits.RoomEmptyTTL = 40 * time.Millisecond
	s, _ := newTestServer(t, limits)
	ctx := context.Background()

	roomID, _ := s.CreateRoom(ctx, "r")
	aliceID, _ := mustJoin(t, s, roomID, "alice")
	s.HandleLeave(ctx, roomID, aliceID)

	// Still within the grace period.
	s.Sweep(ctx)
	if _, ok := s.Room(roomID); !ok {
		t.Fatal("room deleted before grace period elapsed")
	}

	time.Sleep(50 * time.Millisecond)
	s.Sweep(ctx)
	if _, ok := s.Room(roomID); ok {
		t.Fatal("room survived past grace period")
	}
}

func TestRejoinWithinGraceKeepsRoom(t *testing.T) {
	limits := testLimits()
	limits.RoomEmptyTTL = 40 * time.Millisecond
	s, _ := newTestServer(t, limits)
	ctx := context.Background()

	roomID, _ := s.CreateRoom(ctx, "r")
	aliceID, _ := mustJoin(t, s, roomID, "alice")
	s.HandleLeave(ctx, roomID, aliceID)
	mustJoin(t, s, roomID, "alice-again")

	time.Sleep(50 * time.Millisecond)
	s.Sweep(ctx)
	if _, ok := s.Room(roomID); !ok {
		t.Fatal("occupied room was deleted")
	}
}

func TestCrossInstanceRoomFacts(t *testing.T) {
	coord := coordinator.NewMemory()
	ctx := context.Background()

	s1 := NewServer(coord, testLimits())
	s2 := NewServer(coord, testLimits())
	for _, s := range []*Server{s1, s2} {
		if err := s.Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}
		t.Cleanup(s.Shutdown)
	}

	roomID, err := s1.CreateRoom(ctx, "shared")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	// s2 mirrors the room from the fact and can serve a join.
	if _, ok := s2.Room(roomID); !ok {
		t.Fatal("room-created fact not applied on peer instance")
	}
	if _, _, err := s2.HandleJoin(ctx, roomID, "alice", &fakeSink{}); err != nil {
		t.Fatalf("join on peer instance: %v", err)
	}

	// Deleting on s1 removes the mirror on s2.
	s1.DeleteRoom(ctx, roomID)
	if _, ok := s2.Room(roomID); ok {
		t.Fatal("room-deleted fact not applied on peer instance")
	}
}

func TestChatBroadcastIncludesSender(t *testing.T) {
	s, _ := newTestServer(t, testLimits())
	ctx := context.Background()

	roomID, _ := s.CreateRoom(ctx, "r")
	aliceID, aliceSink := mustJoin(t, s, roomID, "alice")
	_, bobSink := mustJoin(t, s, roomID, "bob")

	if err := s.HandleChatMessage(roomID, aliceID, "hello"); err != nil {
		t.Fatalf("HandleChatMessage: %v", err)
	}

	for name, sink := range map[string]*fakeSink{"alice": aliceSink, "bob": bobSink} {
		msgs := sink.messagesOfType(protocol.TypeChatMessage)
		if len(msgs) != 1 {
			t.Fatalf("%s received %d chat messages, want 1", name, len(msgs))
		}
		var payload room.ChatMessage
		if err := json.Unmarshal(msgs[0].Data, &payload); err != nil {
			t.Fatalf("decode chat payload: %v", err)
		}
		if payload.Message != "hello" || payload.ParticipantName != "alice" {
			t.Fatalf("chat payload = %+v", payload)
		}
	}
}

func TestChatFromNonMemberRejected(t *testing.T) {
	s, _ := newTestServer(t, testLimits())
	ctx := context.Background()

	roomID, _ := s.CreateRoom(ctx, "r")
	mustJoin(t, s, roomID, "alice")

	if err := s.HandleChatMessage(roomID, "ghost", "boo"); !errors.Is(err, room.ErrNotMember) {
		t.Fatalf("got %v, want ErrNotMember", err)
	}
}

func TestLivestreamLifecycle(t *testing.T) {
	s, _ := newTestServer(t, testLimits())
	ctx := context.Background()

	roomID, _ := s.CreateRoom(ctx, "r")
	aliceID, aliceSink := mustJoin(t, s, roomID, "alice")
	bobID, _ := mustJoin(t, s, roomID, "bob")

	key, err := s.HandleStartLivestream(roomID, aliceID)
	if err != nil {
		t.Fatalf("HandleStartLivestream: %v", err)
	}
	if key == "" {
		t.Fatal("empty stream key")
	}
	if len(aliceSink.messagesOfType(protocol.TypeLivestreamStarted)) != 1 {
		t.Fatal("livestream-started not broadcast to all members")
	}

	// Routed chunks are captured by the stream buffer while live.
	s.HandleMediaChunk(roomID, bobID, mediaFrame(t, bobID, protocol.MediaVideo, 1))
	if got := len(s.streaming.streamBuffer(roomID)); got != 1 {
		t.Fatalf("stream buffer has %d frames, want 1", got)
	}

	if err := s.HandleStopLivestream(roomID, aliceID); err != nil {
		t.Fatalf("HandleStopLivestream: %v", err)
	}
	if len(s.streaming.streamBuffer(roomID)) != 0 {
		t.Fatal("stream buffer survived stop")
	}
	if err := s.HandleStopLivestream(roomID, aliceID); !errors.Is(err, ErrNotLivestreaming) {
		t.Fatalf("second stop: got %v, want ErrNotLivestreaming", err)
	}
}

func TestRelayToParticipant(t *testing.T) {
	s, _ := newTestServer(t, testLimits())
	ctx := context.Background()

	roomID, _ := s.CreateRoom(ctx, "r")
	aliceID, _ := mustJoin(t, s, roomID, "alice")
	bobID, bobSink := mustJoin(t, s, roomID, "bob")

	msg := protocol.NewMessage(protocol.TypeOffer, roomID, aliceID, map[string]string{"sdp": "v=0..."})
	msg.TargetParticipantID = bobID
	if !s.RelayToParticipant(roomID, bobID, msg) {
		t.Fatal("relay to existing participant failed")
	}

	offers := bobSink.messagesOfType(protocol.TypeOffer)
	if len(offers) != 1 || offers[0].ParticipantID != aliceID {
		t.Fatalf("bob saw offers %v", offers)
	}

	if s.RelayToParticipant(roomID, "ghost", msg) {
		t.Fatal("relay to missing participant reported success")
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t, testLimits())
	ctx := context.Background()

	r1, _ := s.CreateRoom(ctx, "a")
	r2, _ := s.CreateRoom(ctx, "b")
	mustJoin(t, s, r1, "p1")
	mustJoin(t, s, r1, "p2")
	mustJoin(t, s, r2, "p3")

	stats := s.Stats()
	if stats.TotalRooms != 2 {
		t.Fatalf("TotalRooms = %d, want 2", stats.TotalRooms)
	}
	if stats.TotalParticipants != 3 {
		t.Fatalf("TotalParticipants = %d, want 3", stats.TotalParticipants)
	}
}
