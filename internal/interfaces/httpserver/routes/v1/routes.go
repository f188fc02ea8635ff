package v1

import (
	"github.com/gin-gonic/gin"

	"github.com/0Andriy/roomsync/internal/interfaces/httpserver/handlers"
)

// Routes holds the v1 route configuration.
type Routes struct {
	handlers *handlers.Provider
}

// NewRoutes creates a new v1 routes instance.
func NewRoutes(handlerProvider *handlers.Provider) *Routes {
	return &Routes{
		handlers: handlerProvider,
	}
}

// Register registers all v1 routes on the engine.
// If authMiddleware is provided, it will be applied to all v1 routes.
func (r *Routes) Register(engine *gin.Engine, authMiddleware gin.HandlerFunc) {
	group := engine.Group("/v1")
	if authMiddleware != nil {
		group.Use(authMiddleware)
	}

	group.GET("/cluster/leader", r.handlers.Cluster.GetLeader)

	group.GET("/namespaces", r.handlers.Namespace.ListNamespaces)
	group.GET("/namespaces/:namespace/rooms", r.handlers.Namespace.ListRooms)
	group.POST("/namespaces/:namespace/rooms", r.handlers.Namespace.CreateRoom)
	group.DELETE("/namespaces/:namespace/rooms/:room", r.handlers.Namespace.DeleteRoom)
	group.GET("/namespaces/:namespace/rooms/:room/users", r.handlers.Namespace.ListRoomUsers)
}
