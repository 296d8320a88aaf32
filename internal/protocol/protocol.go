package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates signaling messages on the wire.
type MessageType string

const (
	// Room management
	TypeJoin      MessageType = "join"
	TypeLeave     MessageType = "leave"
	TypeRoomState MessageType = "room-state"

	// WebRTC signaling (relayed opaquely)
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"

	// Media control
	TypeStartPublish    MessageType = "start-publish"
	TypeStopPublish     MessageType = "stop-publish"
	TypeRequestKeyframe MessageType = "request-keyframe"

	// Chat
	TypeChatMessage MessageType = "chat-message"
	TypeChatHistory MessageType = "chat-history"

	// Streaming
	TypeStartLivestream MessageType = "start-livestream"
	TypeStopLivestream  MessageType = "stop-livestream"

	// Server -> client only
	TypeConnected                    MessageType = "connected"
	TypeError                        MessageType = "error"
	TypeParticipantJoined            MessageType = "participant-joined"
	TypeParticipantLeft              MessageType = "participant-left"
	TypeParticipantStartedPublishing MessageType = "participant-started-publishing"
	TypeParticipantStoppedPublishing MessageType = "participant-stopped-publishing"
	TypeLivestreamStarted            MessageType = "livestream-started"
	TypeLivestreamStopped            MessageType = "livestream-stopped"
	TypeBandwidthWarning             MessageType = "bandwidth-warning"
)

var clientTypes = map[MessageType]bool{
	TypeJoin:            true,
	TypeLeave:           true,
	TypeOffer:           true,
	TypeAnswer:          true,
	TypeICECandidate:    true,
	TypeStartPublish:    true,
	TypeStopPublish:     true,
	TypeRequestKeyframe: true,
	TypeChatMessage:     true,
	TypeStartLivestream: true,
	TypeStopLivestream:  true,
}

// Message is the JSON envelope for all text frames.
type Message struct {
	Type                MessageType     `json:"type"`
	RoomID              string          `json:"roomId,omitempty"`
	ParticipantID       string          `json:"participantId,omitempty"`
	TargetParticipantID string          `json:"targetParticipantId,omitempty"`
	Data                json.RawMessage `json:"data,omitempty"`
}

var (
	ErrUnknownType       = errors.New("unknown message type")
	ErrMissingRoom       = errors.New("missing roomId")
	ErrMissingSender     = errors.New("missing participantId")
	ErrFrameTooShort     = errors.New("media frame too short")
	ErrBadMetadataLength = errors.New("media frame metadata length out of range")
)

// Validate checks the fields every inbound text frame must carry. Join is
// the one message a client may send before it has a participant id.
func Validate(msg *Message) error {
	if !clientTypes[msg.Type] {
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	if msg.RoomID == "" {
		return ErrMissingRoom
	}
	if msg.Type != TypeJoin && msg.ParticipantID == "" {
		return ErrMissingSender
	}
	return nil
}

// Decode parses a text frame into a Message without validating it.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode signaling message: %w", err)
	}
	return &msg, nil
}

// Encode serializes a Message for the wire.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// NewMessage builds a message with a JSON-marshalable payload. Marshal
// failures are programmer errors; the payload is dropped rather than the
// message.
func NewMessage(t MessageType, roomID, participantID string, data any) *Message {
	msg := &Message{Type: t, RoomID: roomID, ParticipantID: participantID}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			msg.Data = raw
		}
	}
	return msg
}

// MediaKind discriminates the two media chunk flavours.
type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// ChunkMeta is the JSON metadata carried in the prefix of every binary
// media frame.
type ChunkMeta struct {
	ParticipantID string    `json:"participantId"`
	RoomID        string    `json:"roomId"`
	Type          MediaKind `json:"type"`
	Sequence      uint64    `json:"sequence"`
	Timestamp     int64     `json:"timestamp"`
	IsKeyframe    bool      `json:"isKeyframe,omitempty"`
}

const mediaHeaderSize = 4

// EncodeMediaFrame produces [uint32 BE metadata length][metadata JSON][payload].
func EncodeMediaFrame(meta *ChunkMeta, payload []byte) ([]byte, error) {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode chunk metadata: %w", err)
	}
	frame := make([]byte, mediaHeaderSize+len(metaBytes)+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(metaBytes)))
	copy(frame[mediaHeaderSize:], metaBytes)
	copy(frame[mediaHeaderSize+len(metaBytes):], payload)
	return frame, nil
}

// DecodeMediaFrame splits a binary frame into its metadata and payload.
// The payload slice aliases the input.
func DecodeMediaFrame(frame []byte) (*ChunkMeta, []byte, error) {
	if len(frame) < mediaHeaderSize {
		return nil, nil, ErrFrameTooShort
	}
	metaLen := int(binary.BigEndian.Uint32(frame))
	if metaLen < 0 || mediaHeaderSize+metaLen > len(frame) {
		return nil, nil, ErrBadMetadataLength
	}
	var meta ChunkMeta
	if err := json.Unmarshal(frame[mediaHeaderSize:mediaHeaderSize+metaLen], &meta); err != nil {
		return nil, nil, fmt.Errorf("decode chunk metadata: %w", err)
	}
	return &meta, frame[mediaHeaderSize+metaLen:], nil
}

// ErrorPayload is the data of an "error" message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewError builds the error response sent back to an offending connection.
func NewError(reason string) *Message {
	return NewMessage(TypeError, "", "", ErrorPayload{Message: reason})
}
