package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/0Andriy/roomsync/internal/infrastructure/auth"
	"github.com/0Andriy/roomsync/internal/interfaces/httpserver/handlers"
	v1 "github.com/0Andriy/roomsync/internal/interfaces/httpserver/routes/v1"
)

// Provider holds all route providers.
type Provider struct {
	V1            *v1.Routes
	authValidator *auth.Validator
	handlers      *handlers.Provider
}

// NewProvider creates a new route provider.
func NewProvider(handlerProvider *handlers.Provider, authValidator *auth.Validator) *Provider {
	return &Provider{
		V1:            v1.NewRoutes(handlerProvider),
		authValidator: authValidator,
		handlers:      handlerProvider,
	}
}

// Register registers all routes on the engine.
func (p *Provider) Register(engine *gin.Engine) {
	if p.authValidator != nil {
		p.V1.Register(engine, p.authValidator.Middleware())
	} else {
		p.V1.Register(engine, nil)
	}

	// The websocket endpoint resolves identity itself (browsers cannot set
	// headers on upgrade requests), so it stays outside the v1 auth group.
	engine.GET("/ws/:namespace", p.handlers.WS.Connect)
}
