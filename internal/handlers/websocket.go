package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshconf/sfu-signaling/config"
	"github.com/meshconf/sfu-signaling/internal/protocol"
	"github.com/meshconf/sfu-signaling/internal/room"
	"github.com/meshconf/sfu-signaling/internal/sfu"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// SignalingHandler owns the websocket transport. It is the only component
// that touches raw connections; everything else goes through the
// orchestrator.
type SignalingHandler struct {
	server *sfu.Server
}

func NewSignalingHandler(server *sfu.Server) *SignalingHandler {
	return &SignalingHandler{server: server}
}

// outFrame is one queued outbound websocket frame.
type outFrame struct {
	messageType int
	data        []byte
}

// conn is the stable per-connection handle, registered at accept time. It
// implements room.Sink; sends are non-blocking and drop when the buffer is
// full so one slow client never stalls the others.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan outFrame

	mu            sync.Mutex
	closed        bool
	roomID        string
	participantID string
}

func (c *conn) SendText(data []byte) bool   { return c.enqueue(websocket.TextMessage, data) }
func (c *conn) SendBinary(data []byte) bool { return c.enqueue(websocket.BinaryMessage, data) }

// enqueue and Close share the mutex so a send can never race the channel
// close: frames offered to a closed connection are dropped.
func (c *conn) enqueue(messageType int, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- outFrame{messageType, data}:
		return true
	default:
		return false
	}
}

func (c *conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *conn) bind(roomID, participantID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.participantID = participantID
	c.mu.Unlock()
}

func (c *conn) unbind() {
	c.bind("", "")
}

func (c *conn) binding() (roomID, participantID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.participantID, c.participantID != ""
}

// Handle upgrades the connection and runs its pumps.
func (h *SignalingHandler) Handle(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := &conn{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan outFrame, sendBufferSize),
	}
	log.Printf("Connection %s accepted from %s", client.id, ws.RemoteAddr())

	h.sendMessage(client, protocol.NewMessage(protocol.TypeConnected, "", "", nil))

	go client.writePump()
	go h.readPump(client)
}

func (h *SignalingHandler) readPump(c *conn) {
	defer func() {
		if roomID, participantID, ok := c.binding(); ok {
			h.server.HandleLeave(context.Background(), roomID, participantID)
			log.Printf("Participant %s disconnected", participantID)
		}
		c.Close()
		c.ws.Close()
	}()

	// Largest legal frame: a max-size media chunk plus its metadata prefix.
	c.ws.SetReadLimit(config.MaxChunkSize + 1024)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on %s: %v", c.id, err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			h.handleText(c, data)
		case websocket.BinaryMessage:
			h.handleBinary(c, data)
		}
	}
}

// handleText validates and dispatches one signaling message. Invalid frames
// produce an error response to the sender only; the connection stays up.
func (h *SignalingHandler) handleText(c *conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		h.sendMessage(c, protocol.NewError("invalid message format"))
		return
	}
	if err := protocol.Validate(msg); err != nil {
		h.sendMessage(c, protocol.NewError(err.Error()))
		return
	}

	// Any message carrying both ids is proof of life.
	if msg.RoomID != "" && msg.ParticipantID != "" {
		h.server.HandleHeartbeat(msg.RoomID, msg.ParticipantID)
	}

	switch msg.Type {
	case protocol.TypeJoin:
		h.handleJoin(c, msg)

	case protocol.TypeLeave:
		h.server.HandleLeave(context.Background(), msg.RoomID, msg.ParticipantID)
		c.unbind()

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		if msg.TargetParticipantID == "" {
			h.sendMessage(c, protocol.NewError("missing targetParticipantId"))
			return
		}
		h.server.RelayToParticipant(msg.RoomID, msg.TargetParticipantID, msg)

	case protocol.TypeStartPublish:
		h.server.HandleStartPublish(msg.RoomID, msg.ParticipantID)

	case protocol.TypeStopPublish:
		h.server.HandleStopPublish(msg.RoomID, msg.ParticipantID)

	case protocol.TypeChatMessage:
		h.handleChat(c, msg)

	case protocol.TypeStartLivestream:
		if _, err := h.server.HandleStartLivestream(msg.RoomID, msg.ParticipantID); err != nil {
			log.Printf("start-livestream from %s failed: %v", msg.ParticipantID, err)
		}

	case protocol.TypeStopLivestream:
		if err := h.server.HandleStopLivestream(msg.RoomID, msg.ParticipantID); err != nil {
			log.Printf("stop-livestream from %s failed: %v", msg.ParticipantID, err)
		}

	case protocol.TypeRequestKeyframe:
		if msg.TargetParticipantID != "" {
			h.server.HandleRequestKeyframe(msg.RoomID, msg.ParticipantID, msg.TargetParticipantID)
		}
	}
}

func (h *SignalingHandler) handleJoin(c *conn, msg *protocol.Message) {
	var payload struct {
		ParticipantName string `json:"participantName"`
	}
	if msg.Data != nil {
		_ = json.Unmarshal(msg.Data, &payload)
	}
	if payload.ParticipantName == "" {
		h.sendMessage(c, protocol.NewError("missing participantName for join"))
		return
	}

	participantID, snapshot, err := h.server.HandleJoin(context.Background(), msg.RoomID, payload.ParticipantName, c)
	if err != nil {
		h.sendMessage(c, protocol.NewError(joinErrorReason(err)))
		return
	}

	c.bind(msg.RoomID, participantID)
	h.sendMessage(c, protocol.NewMessage(protocol.TypeRoomState, msg.RoomID, participantID, snapshot))
}

func joinErrorReason(err error) string {
	switch {
	case errors.Is(err, sfu.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, room.ErrRoomFull):
		return "room is full"
	default:
		return "failed to join room"
	}
}

func (h *SignalingHandler) handleChat(c *conn, msg *protocol.Message) {
	var payload struct {
		Message string `json:"message"`
	}
	if msg.Data != nil {
		_ = json.Unmarshal(msg.Data, &payload)
	}
	if payload.Message == "" {
		return
	}

	err := h.server.HandleChatMessage(msg.RoomID, msg.ParticipantID, payload.Message)
	switch {
	case err == nil:
	case errors.Is(err, room.ErrMessageTooLong):
		h.sendMessage(c, protocol.NewError("message too long"))
	default:
		// Non-member chat is an expected race; drop silently.
	}
}

// handleBinary passes a media frame to the orchestrator. Frames from a
// connection with no bound participant are discarded.
func (h *SignalingHandler) handleBinary(c *conn, data []byte) {
	roomID, participantID, ok := c.binding()
	if !ok {
		return
	}
	h.server.HandleMediaChunk(roomID, participantID, data)
}

func (h *SignalingHandler) sendMessage(c *conn, msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("Failed to encode %s message: %v", msg.Type, err)
		return
	}
	if !c.SendText(data) {
		log.Printf("Dropped %s message on %s, buffer full", msg.Type, c.id)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(frame.messageType, frame.data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
