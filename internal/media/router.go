package media

import (
	"errors"
	"sync"

	"github.com/meshconf/sfu-signaling/internal/bandwidth"
	"github.com/meshconf/sfu-signaling/internal/protocol"
	"github.com/meshconf/sfu-signaling/internal/room"
)

var ErrStaleSequence = errors.New("stale or duplicate sequence number")

// Router forwards binary media frames between participants of a room
// without inspecting the payload. It is a best-effort relay: stale frames
// are dropped and slow destinations are skipped, never queued.
type Router struct {
	monitor *bandwidth.Monitor

	mu        sync.Mutex
	lastSeq   map[string]uint64
	seqSeen   map[string]bool
	buffers   map[string]*ringBuffer
	bufferCap int
}

func NewRouter(monitor *bandwidth.Monitor, senderBufferChunks int) *Router {
	return &Router{
		monitor:   monitor,
		lastSeq:   make(map[string]uint64),
		seqSeen:   make(map[string]bool),
		buffers:   make(map[string]*ringBuffer),
		bufferCap: senderBufferChunks,
	}
}

// Route decodes the frame, enforces per-sender monotonic sequencing and
// fans the raw bytes out to every other participant. It returns the decoded
// metadata so the caller can feed livestream buffering.
func (rt *Router) Route(rm *room.Room, senderID string, frame []byte) (*protocol.ChunkMeta, error) {
	meta, _, err := protocol.DecodeMediaFrame(frame)
	if err != nil {
		return nil, err
	}

	rt.monitor.RecordReceived(senderID, len(frame))

	if !rt.acceptSequence(senderID, meta.Sequence) {
		return nil, ErrStaleSequence
	}

	for _, p := range rm.Others(senderID) {
		if p.SendBinary(frame) {
			rt.monitor.RecordSent(p.ID, len(frame))
		}
	}

	rt.bufferChunk(senderID, frame)
	return meta, nil
}

// acceptSequence admits a frame only when its sequence number is strictly
// greater than the last accepted one for the sender. The very first frame
// from a sender is always accepted.
func (rt *Router) acceptSequence(senderID string, seq uint64) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.seqSeen[senderID] && seq <= rt.lastSeq[senderID] {
		return false
	}
	rt.seqSeen[senderID] = true
	rt.lastSeq[senderID] = seq
	return true
}

// bufferChunk keeps the sender's most recent frames for livestream
// consumers joining mid-stream. It never repairs routing gaps.
func (rt *Router) bufferChunk(senderID string, frame []byte) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	buf, ok := rt.buffers[senderID]
	if !ok {
		buf = newRingBuffer(rt.bufferCap)
		rt.buffers[senderID] = buf
	}
	buf.push(frame)
}

// BufferedChunks returns the sender's buffered frames, oldest first.
func (rt *Router) BufferedChunks(senderID string) [][]byte {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	buf, ok := rt.buffers[senderID]
	if !ok {
		return nil
	}
	return buf.items()
}

// ClearSender drops all routing state for a departed participant.
func (rt *Router) ClearSender(senderID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.buffers, senderID)
	delete(rt.lastSeq, senderID)
	delete(rt.seqSeen, senderID)
}

// RequestKeyframe relays a keyframe request to the target participant.
func (rt *Router) RequestKeyframe(rm *room.Room, fromID, targetID string) {
	target, ok := rm.Get(targetID)
	if !ok {
		return
	}
	msg := protocol.NewMessage(protocol.TypeRequestKeyframe, rm.ID, fromID, nil)
	if data, err := protocol.Encode(msg); err == nil {
		target.SendText(data)
	}
}

// Stats summarizes router state for the inspection endpoint.
type Stats struct {
	ActiveSenders int               `json:"activeSenders"`
	LastSequences map[string]uint64 `json:"lastSequences"`
}

func (rt *Router) Stats() Stats {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	seqs := make(map[string]uint64, len(rt.lastSeq))
	for id, seq := range rt.lastSeq {
		seqs[id] = seq
	}
	return Stats{
		ActiveSenders: len(rt.buffers),
		LastSequences: seqs,
	}
}

// ringBuffer is a bounded FIFO of frames; pushing past capacity evicts the
// oldest entry.
type ringBuffer struct {
	frames [][]byte
	cap    int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (b *ringBuffer) push(frame []byte) {
	b.frames = append(b.frames, frame)
	if len(b.frames) > b.cap {
		b.frames = b.frames[1:]
	}
}

func (b *ringBuffer) items() [][]byte {
	out := make([][]byte, len(b.frames))
	copy(out, b.frames)
	return out
}
