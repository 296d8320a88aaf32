package sfu

import (
	"log"

	"github.com/meshconf/sfu-signaling/internal/protocol"
	"github.com/meshconf/sfu-signaling/internal/room"
)

// ChatManager layers room chat on the registry: membership and length
// validation happen in the Room, broadcasting happens here.
type ChatManager struct {
	server *Server
}

// handleMessage appends the message to the room's history and broadcasts
// it to every member, the sender included.
func (c *ChatManager) handleMessage(roomID, participantID, text string) error {
	rm, ok := c.server.Room(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	msg, err := rm.AddChatMessage(participantID, text)
	if err != nil {
		return err
	}

	c.server.broadcast(rm, protocol.NewMessage(protocol.TypeChatMessage, roomID, participantID, msg), "")
	log.Printf("Chat message from %s broadcast in room %s", participantID, roomID)
	return nil
}

// sendHistory delivers the room's current chat history to one participant,
// used when they join.
func (c *ChatManager) sendHistory(rm *room.Room, p *room.Participant) {
	history := rm.ChatHistory()
	msg := protocol.NewMessage(protocol.TypeChatHistory, rm.ID, p.ID, struct {
		Messages []room.ChatMessage `json:"messages"`
	}{history})
	c.server.sendTo(p, msg)
}
