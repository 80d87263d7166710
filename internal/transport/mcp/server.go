// Package mcp exposes the coordinator as MCP tools so LLM-driven clients
// can submit work and inspect scheduler state over streamable HTTP.
package mcp

import (
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/taskmesh/taskmesh/internal/service/scheduler"
)

type Server struct {
	httpSrv *mcpserver.StreamableHTTPServer
}

func New(sched *scheduler.Scheduler) *Server {
	mcpSrv := mcpserver.NewMCPServer(
		"taskmesh",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
	)
	RegisterTools(mcpSrv, sched)

	return &Server{
		httpSrv: mcpserver.NewStreamableHTTPServer(mcpSrv),
	}
}

// Handler returns the http.Handler serving the MCP endpoint.
func (s *Server) Handler() http.Handler {
	return s.httpSrv
}
