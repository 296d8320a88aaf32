package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meshconf/sfu-signaling/internal/coordinator"
	"github.com/meshconf/sfu-signaling/internal/sfu"
)

// RoomsHandler serves the room management REST API.
type RoomsHandler struct {
	server *sfu.Server
	coord  coordinator.Coordinator
}

func NewRoomsHandler(server *sfu.Server, coord coordinator.Coordinator) *RoomsHandler {
	return &RoomsHandler{server: server, coord: coord}
}

type createRoomRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateRoom creates a new room (requires authentication).
func (h *RoomsHandler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Room name is required"})
		return
	}

	roomID, err := h.server.CreateRoom(c.Request.Context(), req.Name)
	if err != nil {
		if errors.Is(err, sfu.ErrTooManyRooms) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Maximum number of rooms reached"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"roomId": roomID, "name": req.Name})
}

// GetRoom returns the live snapshot for a local room, falling back to the
// coordinator's mirror for rooms owned by another process.
func (h *RoomsHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	if rm, ok := h.server.Room(roomID); ok {
		c.JSON(http.StatusOK, rm.Snapshot())
		return
	}

	record, err := h.coord.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        record.ID,
		"name":      record.Name,
		"createdAt": record.CreatedAt.UnixMilli(),
		"remote":    true,
	})
}

// ListRooms enumerates every room known to the shared store, regardless of
// which process owns its connections.
func (h *RoomsHandler) ListRooms(c *gin.Context) {
	records, err := h.coord.ListRooms(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": records})
}

// DeleteRoom deletes a room (requires authentication).
func (h *RoomsHandler) DeleteRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	if _, ok := h.server.Room(roomID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	h.server.DeleteRoom(c.Request.Context(), roomID)
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// GetChatHistory returns the chat history of a local room.
func (h *RoomsHandler) GetChatHistory(c *gin.Context) {
	roomID := c.Param("roomId")
	rm, ok := h.server.Room(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": rm.ChatHistory()})
}

// GetStats exposes the orchestrator's counters for inspection.
func (h *RoomsHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.server.Stats())
}
