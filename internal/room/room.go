package room

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRoomFull       = errors.New("room is full")
	ErrNotMember      = errors.New("participant is not a member of the room")
	ErrMessageTooLong = errors.New("chat message exceeds maximum length")
)

// ChatMessage is one immutable chat-history entry.
type ChatMessage struct {
	ID              string `json:"id"`
	RoomID          string `json:"roomId"`
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
	Message         string `json:"message"`
	Timestamp       int64  `json:"timestamp"`
}

// Snapshot is the room-state payload returned to a joining participant.
type Snapshot struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ParticipantCount int    `json:"participantCount"`
	Participants     []Info `json:"participants"`
	IsLivestreaming  bool   `json:"isLivestreaming"`
	CreatedAt        int64  `json:"createdAt"`
}

// Room owns its participant set, chat history and livestream state. All
// mutation goes through the room's own mutex so unrelated rooms never
// contend.
type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time

	maxParticipants int
	maxChatHistory  int
	maxMessageLen   int

	mu            sync.Mutex
	participants  map[string]*Participant
	joinOrder     []string
	chatHistory   []ChatMessage
	livestreaming bool
	livestreamKey string
	emptySince    time.Time
}

func New(id, name string, maxParticipants, maxChatHistory, maxMessageLen int) *Room {
	now := time.Now()
	return &Room{
		ID:              id,
		Name:            name,
		CreatedAt:       now,
		maxParticipants: maxParticipants,
		maxChatHistory:  maxChatHistory,
		maxMessageLen:   maxMessageLen,
		participants:    make(map[string]*Participant),
		emptySince:      now,
	}
}

// Add appends a participant, failing when the room is at capacity. Adding
// clears the empty-since marker.
func (r *Room) Add(p *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.participants) >= r.maxParticipants {
		return ErrRoomFull
	}
	r.participants[p.ID] = p
	r.joinOrder = append(r.joinOrder, p.ID)
	r.emptySince = time.Time{}
	return nil
}

// Remove detaches a participant and closes its sink. Removing an unknown
// id is a no-op; leave is idempotent.
func (r *Room) Remove(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return false
	}
	p.Disconnect()
	delete(r.participants, participantID)
	for i, id := range r.joinOrder {
		if id == participantID {
			r.joinOrder = append(r.joinOrder[:i], r.joinOrder[i+1:]...)
			break
		}
	}
	if len(r.participants) == 0 {
		r.emptySince = time.Now()
	}
	return true
}

func (r *Room) Get(participantID string) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[participantID]
	return p, ok
}

// All returns the participants in join order.
func (r *Room) All() []*Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked("")
}

// Others returns every participant except the given one, in join order.
func (r *Room) Others(excludeID string) []*Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked(excludeID)
}

func (r *Room) membersLocked(excludeID string) []*Participant {
	out := make([]*Participant, 0, len(r.participants))
	for _, id := range r.joinOrder {
		if id == excludeID {
			continue
		}
		out = append(out, r.participants[id])
	}
	return out
}

func (r *Room) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

func (r *Room) IsEmpty() bool {
	return r.Count() == 0
}

// EmptySince returns when the room last became empty; the zero time means
// it is occupied.
func (r *Room) EmptySince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.participants) > 0 {
		return time.Time{}
	}
	return r.emptySince
}

// BroadcastText sends a text frame to every member except excludeID.
// Delivery is best-effort per destination.
func (r *Room) BroadcastText(data []byte, excludeID string) {
	for _, p := range r.Others(excludeID) {
		p.SendText(data)
	}
}

// AddChatMessage validates and appends a chat message, evicting the oldest
// entry once the history cap is reached.
func (r *Room) AddChatMessage(participantID, text string) (*ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return nil, ErrNotMember
	}
	if len(text) > r.maxMessageLen {
		return nil, ErrMessageTooLong
	}

	msg := ChatMessage{
		ID:              uuid.New().String(),
		RoomID:          r.ID,
		ParticipantID:   participantID,
		ParticipantName: p.Name,
		Message:         strings.TrimSpace(text),
		Timestamp:       time.Now().UnixMilli(),
	}
	r.chatHistory = append(r.chatHistory, msg)
	if len(r.chatHistory) > r.maxChatHistory {
		r.chatHistory = r.chatHistory[len(r.chatHistory)-r.maxChatHistory:]
	}
	return &msg, nil
}

func (r *Room) ChatHistory() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChatMessage, len(r.chatHistory))
	copy(out, r.chatHistory)
	return out
}

func (r *Room) StartLivestream(streamKey string) {
	r.mu.Lock()
	r.livestreaming = true
	r.livestreamKey = streamKey
	r.mu.Unlock()
}

func (r *Room) StopLivestream() {
	r.mu.Lock()
	r.livestreaming = false
	r.livestreamKey = ""
	r.mu.Unlock()
}

func (r *Room) IsLivestreaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.livestreaming
}

func (r *Room) LivestreamKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.livestreamKey
}

func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.participants))
	for _, id := range r.joinOrder {
		infos = append(infos, r.participants[id].Info())
	}
	return Snapshot{
		ID:               r.ID,
		Name:             r.Name,
		ParticipantCount: len(r.participants),
		Participants:     infos,
		IsLivestreaming:  r.livestreaming,
		CreatedAt:        r.CreatedAt.UnixMilli(),
	}
}

// Cleanup disconnects every participant and drops all room state.
func (r *Room) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		p.Disconnect()
	}
	r.participants = make(map[string]*Participant)
	r.joinOrder = nil
	r.chatHistory = nil
	r.livestreaming = false
	r.livestreamKey = ""
}
