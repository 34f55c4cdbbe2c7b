package server

import (
	"fmt"
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	escrow "github.com/nacorid/x402-escrow"
)

// X402Server wraps an MCP server and gates its paid tools.
type X402Server struct {
	mcpServer *mcpserver.MCPServer
	config    *Config
}

// NewX402Server creates a new MCP server with x402 payment support.
func NewX402Server(name, version string, config *Config) *X402Server {
	if config.PaymentTools == nil {
		config.PaymentTools = make(map[string]ToolPaymentConfig)
	}

	return &X402Server{
		mcpServer: mcpserver.NewMCPServer(name, version),
		config:    config,
	}
}

// AddTool adds a free tool (no payment required).
func (s *X402Server) AddTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
}

// AddPayableTool adds a tool that requires a settled payment id per call
// pattern described by requirement.
func (s *X402Server) AddPayableTool(tool mcpproto.Tool, resource escrow.ResourceInfo, requirement escrow.PaymentRequirements, handler mcpserver.ToolHandlerFunc) error {
	if err := ValidateRequirement(requirement); err != nil {
		return fmt.Errorf("invalid requirement for tool %s: %w", tool.Name, err)
	}

	if resource.URL == "" {
		desc := resource.Description
		resource = SetToolResource(tool.Name)
		resource.Description = desc
	}

	s.config.AddPaymentTool(tool.Name, resource, requirement)
	s.mcpServer.AddTool(tool, handler)
	return nil
}

// Handler returns the streamable HTTP MCP handler wrapped with the payment gate.
func (s *X402Server) Handler() (http.Handler, error) {
	httpServer := mcpserver.NewStreamableHTTPServer(s.mcpServer)
	return NewX402Handler(httpServer, s.config)
}

// GetMCPServer returns the underlying MCP server (for advanced usage).
func (s *X402Server) GetMCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
