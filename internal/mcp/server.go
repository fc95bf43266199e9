// Package mcp exposes the engine to external executors as MCP tools.
package mcp

import (
	"context"
	"log/slog"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"evigraph/internal/engine"
	"evigraph/internal/logging"
)

type Server struct {
	eng *engine.Engine
	mcp *sdk.Server
	log *slog.Logger
}

func NewServer(eng *engine.Engine, version string, logger *slog.Logger) *Server {
	s := &Server{
		eng: eng,
		log: logging.OrDefault(logger, "mcp"),
		mcp: sdk.NewServer(&sdk.Implementation{
			Name:    "evigraph",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	s.log.Info("mcp server starting")
	return s.mcp.Run(ctx, transport)
}
