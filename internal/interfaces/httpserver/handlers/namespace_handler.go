package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/domain/presence"
)

// NamespaceHandler exposes namespace and room state over HTTP. Namespaces
// are created lazily on first reference, so GETs on an unknown namespace
// materialize it rather than returning 404.
type NamespaceHandler struct {
	coordinator *presence.Coordinator
	log         zerolog.Logger
}

// NewNamespaceHandler creates a namespace handler.
func NewNamespaceHandler(coordinator *presence.Coordinator, log zerolog.Logger) *NamespaceHandler {
	return &NamespaceHandler{
		coordinator: coordinator,
		log:         log.With().Str("component", "namespace-handler").Logger(),
	}
}

// ListNamespaces returns the namespaces active on this instance.
func (h *NamespaceHandler) ListNamespaces(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"namespaces": h.coordinator.NamespaceIDs(),
	})
}

// ListRooms returns the room ids registered in a namespace.
func (h *NamespaceHandler) ListRooms(c *gin.Context) {
	ns, err := h.coordinator.Namespace(c.Request.Context(), c.Param("namespace"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "namespace unavailable"})
		return
	}

	roomIDs, err := ns.RoomIDs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"namespace": ns.ID(),
		"rooms":     roomIDs,
	})
}

// createRoomRequest is the body for explicit room creation.
type createRoomRequest struct {
	RoomID          string `json:"room_id" binding:"required"`
	MaxUsers        int64  `json:"max_users"`
	AutoDeleteEmpty *bool  `json:"auto_delete_empty"`
	EmptyTimeoutMs  int64  `json:"empty_timeout_ms"`
}

// CreateRoom creates a room with the given configuration. Creating an
// existing room returns it unchanged.
func (h *NamespaceHandler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_id is required"})
		return
	}

	ns, err := h.coordinator.Namespace(c.Request.Context(), c.Param("namespace"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "namespace unavailable"})
		return
	}

	cfg := presence.DefaultRoomConfig()
	cfg.MaxUsers = req.MaxUsers
	if req.AutoDeleteEmpty != nil {
		cfg.AutoDeleteEmpty = *req.AutoDeleteEmpty
	}
	if req.EmptyTimeoutMs > 0 {
		cfg.EmptyTimeout = time.Duration(req.EmptyTimeoutMs) * time.Millisecond
	}

	room, err := ns.GetOrCreateRoom(c.Request.Context(), req.RoomID, cfg)
	if err != nil {
		h.log.Error().Err(err).Str("room_id", req.RoomID).Msg("room creation failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room creation failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"namespace": ns.ID(),
		"room_id":   room.ID(),
	})
}

// DeleteRoom removes a room and notifies its members.
func (h *NamespaceHandler) DeleteRoom(c *gin.Context) {
	ns, err := h.coordinator.Namespace(c.Request.Context(), c.Param("namespace"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "namespace unavailable"})
		return
	}

	removed, err := ns.RemoveRoom(c.Request.Context(), c.Param("room"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room removal failed"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	c.Status(http.StatusNoContent)
}

// ListRoomUsers returns the members of a room as recorded in the store.
func (h *NamespaceHandler) ListRoomUsers(c *gin.Context) {
	ns, err := h.coordinator.Namespace(c.Request.Context(), c.Param("namespace"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "namespace unavailable"})
		return
	}

	room, err := ns.Room(c.Param("room"))
	if err != nil {
		if errors.Is(err, presence.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room unavailable"})
		return
	}

	users, err := room.Users(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"namespace": ns.ID(),
		"room_id":   room.ID(),
		"users":     users,
	})
}
