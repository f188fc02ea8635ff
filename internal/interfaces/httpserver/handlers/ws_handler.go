package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/infrastructure/auth"
	"github.com/0Andriy/roomsync/internal/infrastructure/wstransport"
)

// WSHandler upgrades client connections. Identity is resolved before the
// upgrade so rejected clients get a plain HTTP error, not a torn socket.
type WSHandler struct {
	transport *wstransport.Transport
	validator *auth.Validator
	log       zerolog.Logger
}

// NewWSHandler creates a websocket handler.
func NewWSHandler(transport *wstransport.Transport, validator *auth.Validator, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		transport: transport,
		validator: validator,
		log:       log.With().Str("component", "ws-handler").Logger(),
	}
}

// Connect handles GET /ws/:namespace.
func (h *WSHandler) Connect(c *gin.Context) {
	namespaceID := strings.TrimSpace(c.Param("namespace"))
	if namespaceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "namespace is required"})
		return
	}

	userID, err := h.validator.Identify(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.transport.Serve(c.Writer, c.Request, namespaceID, userID); err != nil {
		h.log.Debug().Err(err).Str("namespace_id", namespaceID).Msg("websocket upgrade failed")
	}
}
