package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
	"github.com/0Andriy/roomsync/internal/domain/presence"
)

// ClusterHandler exposes cluster-level state: this instance's identity and
// the current leader lease.
type ClusterHandler struct {
	coordinator *presence.Coordinator
	store       coordination.Store
	leaderKey   string
}

// NewClusterHandler creates a cluster handler.
func NewClusterHandler(coordinator *presence.Coordinator, store coordination.Store, leaderKey string) *ClusterHandler {
	if leaderKey == "" {
		leaderKey = coordination.DefaultLeaderKey
	}
	return &ClusterHandler{coordinator: coordinator, store: store, leaderKey: leaderKey}
}

// GetLeader returns the current leader lease holder and the local view.
func (h *ClusterHandler) GetLeader(c *gin.Context) {
	leaderID, err := h.store.Get(c.Request.Context(), h.leaderKey)
	if err != nil && !errors.Is(err, coordination.ErrNotFound) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instance_id": h.coordinator.InstanceID(),
		"is_leader":   h.coordinator.IsLeader(),
		"leader_id":   leaderID,
	})
}
