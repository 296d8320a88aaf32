package room

import (
	"sync"
	"time"
)

// Sink is the outbound half of a participant's connection. Sends are
// best-effort: a false return means the frame was dropped, not that the
// connection is dead.
type Sink interface {
	SendText(data []byte) bool
	SendBinary(data []byte) bool
	Close()
}

// StreamFlags records which media kinds a participant is currently sending.
type StreamFlags struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

// Participant is one connected identity's membership in a room. It is
// created on join and owned by its Room until leave, timeout or disconnect.
type Participant struct {
	ID       string
	Name     string
	RoomID   string
	JoinedAt time.Time

	sink Sink

	mu            sync.Mutex
	publishing    bool
	streams       StreamFlags
	lastHeartbeat time.Time
}

func NewParticipant(id, name, roomID string, sink Sink) *Participant {
	now := time.Now()
	return &Participant{
		ID:            id,
		Name:          name,
		RoomID:        roomID,
		JoinedAt:      now,
		sink:          sink,
		lastHeartbeat: now,
	}
}

func (p *Participant) SendText(data []byte) bool   { return p.sink.SendText(data) }
func (p *Participant) SendBinary(data []byte) bool { return p.sink.SendBinary(data) }

func (p *Participant) Heartbeat() {
	p.mu.Lock()
	p.lastHeartbeat = time.Now()
	p.mu.Unlock()
}

// Alive reports whether the participant heartbeated within the timeout.
func (p *Participant) Alive(timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastHeartbeat) < timeout
}

func (p *Participant) SetPublishing(publishing bool) {
	p.mu.Lock()
	p.publishing = publishing
	p.mu.Unlock()
}

func (p *Participant) Publishing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishing
}

func (p *Participant) SetStreams(video, audio bool) {
	p.mu.Lock()
	p.streams = StreamFlags{Video: video, Audio: audio}
	p.mu.Unlock()
}

func (p *Participant) Disconnect() {
	p.sink.Close()
}

// Info is the serializable view of a participant used in room snapshots
// and participant-joined events.
type Info struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	JoinedAt     int64       `json:"joinedAt"`
	IsPublishing bool        `json:"isPublishing"`
	Streams      StreamFlags `json:"streams"`
}

func (p *Participant) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		ID:           p.ID,
		Name:         p.Name,
		JoinedAt:     p.JoinedAt.UnixMilli(),
		IsPublishing: p.publishing,
		Streams:      p.streams,
	}
}
