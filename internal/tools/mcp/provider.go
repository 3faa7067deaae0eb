package mcp

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
)

// Provider connects to the configured MCP servers and contributes their
// tools to the fabric as mcp_{server}_{tool}.
type Provider struct {
	configs []config.MCPServerConfig

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewProvider(configs []config.MCPServerConfig) *Provider {
	return &Provider{
		configs: configs,
		clients: make(map[string]*Client),
	}
}

func (p *Provider) Name() string { return "mcp" }

// Load connects every configured server and collects its tools. A server
// that fails to connect or list is skipped with a warning; the rest still
// contribute.
func (p *Provider) Load(ctx context.Context) ([]ports.ProvidedTool, error) {
	var provided []ports.ProvidedTool
	for _, cfg := range p.configs {
		tools, err := p.loadServer(ctx, cfg)
		if err != nil {
			log.Printf("[MCP] Skipping server %s: %v", cfg.Name, err)
			continue
		}
		provided = append(provided, tools...)
	}
	return provided, nil
}

func (p *Provider) loadServer(ctx context.Context, cfg config.MCPServerConfig) ([]ports.ProvidedTool, error) {
	var transport Transport
	var err error
	switch cfg.Transport {
	case "stdio":
		transport, err = NewStdioTransport(cfg.Command, cfg.Args, cfg.Env)
	case "http", "sse":
		transport, err = NewHTTPTransport(cfg.URL, cfg.APIKey)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client := NewClient(cfg.Name, transport)
	if err := client.Initialize(ctx); err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}

	descriptors, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	p.mu.Lock()
	if old, exists := p.clients[cfg.Name]; exists {
		old.Close()
	}
	p.clients[cfg.Name] = client
	p.mu.Unlock()

	serverName := cfg.Name
	provided := make([]ports.ProvidedTool, 0, len(descriptors))
	for _, d := range descriptors {
		desc := d.Description
		if desc == "" {
			desc = fmt.Sprintf("Tool from MCP server %s", serverName)
		}
		toolName := fmt.Sprintf("mcp_%s_%s", serverName, d.Name)
		remoteName := d.Name
		provided = append(provided, ports.ProvidedTool{
			Tool: models.Tool{
				Name:        toolName,
				Description: fmt.Sprintf("[MCP:%s] %s", serverName, desc),
				ArgsSchema:  d.InputSchema,
			},
			Invoke: func(ctx context.Context, args map[string]any) (any, error) {
				return p.invoke(ctx, serverName, remoteName, args)
			},
		})
	}

	log.Printf("[MCP] Server %s contributed %d tools", serverName, len(provided))
	return provided, nil
}

func (p *Provider) invoke(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	p.mu.RLock()
	client, ok := p.clients[server]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("MCP server %s not available", server)
	}

	result, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return nil, fmt.Errorf("MCP tool call failed: %w", err)
	}
	if result.IsError {
		return nil, fmt.Errorf("MCP tool returned error: %s", flattenContent(result.Content))
	}
	return formatResult(result), nil
}

func flattenContent(items []ContentItem) string {
	var parts []string
	for _, item := range items {
		switch item.Type {
		case "text":
			parts = append(parts, item.Text)
		case "image":
			parts = append(parts, fmt.Sprintf("[Image: %s]", item.MimeType))
		default:
			parts = append(parts, fmt.Sprintf("[%s]", item.Type))
		}
	}
	return strings.Join(parts, "\n")
}

func formatResult(result *CallResult) any {
	if len(result.Content) == 1 && result.Content[0].Type == "text" {
		return result.Content[0].Text
	}

	items := make([]map[string]any, 0, len(result.Content))
	for _, item := range result.Content {
		m := map[string]any{"type": item.Type}
		if item.Text != "" {
			m["text"] = item.Text
		}
		if item.Data != "" {
			m["data"] = item.Data
		}
		if item.MimeType != "" {
			m["mimeType"] = item.MimeType
		}
		items = append(items, m)
	}
	return map[string]any{"content": items}
}

// Close disconnects every server.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var lastErr error
	for name, client := range p.clients {
		if err := client.Close(); err != nil {
			lastErr = err
		}
		delete(p.clients, name)
	}
	return lastErr
}
