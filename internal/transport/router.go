package transport

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/taskmesh/taskmesh/internal/domain/event"
	porteventbus "github.com/taskmesh/taskmesh/internal/port/eventbus"
	mcptransport "github.com/taskmesh/taskmesh/internal/transport/mcp"
	schedhandler "github.com/taskmesh/taskmesh/internal/transport/sched"
	wshandler "github.com/taskmesh/taskmesh/internal/transport/ws"
)

func NewRouter(
	ctx context.Context,
	handler *schedhandler.Handler,
	mcpServer *mcptransport.Server,
	eventBus porteventbus.EventBus,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(CORSMiddleware())

	api := r.Group("/api")
	handler.Register(api)

	hub := wshandler.NewHub()
	hub.Register(api.Group("/ws"))

	r.Any("/mcp", gin.WrapH(mcpServer.Handler()))
	r.Any("/mcp/*path", gin.WrapH(mcpServer.Handler()))

	// Bridge: one subscription per event type; the type field in the
	// payload lets clients filter.
	for _, t := range event.Types() {
		if _, err := eventBus.Subscribe(ctx, t, func(_ context.Context, e event.Event) {
			hub.Broadcast(e)
		}); err != nil {
			slog.Error("failed to subscribe event type to WS hub", "type", t, "error", err)
		}
	}

	return r
}
