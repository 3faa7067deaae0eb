package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const callTimeout = 30 * time.Second

// Client speaks JSON-RPC to one MCP server over a transport, correlating
// responses to in-flight calls by id.
type Client struct {
	name      string
	transport Transport

	mu          sync.RWMutex
	nextID      atomic.Int64
	pending     map[int64]chan *rpcResponse
	initialized bool
	server      *serverInfo

	closeCh   chan struct{}
	closeOnce sync.Once
}

func NewClient(name string, transport Transport) *Client {
	return &Client{
		name:      name,
		transport: transport,
		pending:   make(map[int64]chan *rpcResponse),
		closeCh:   make(chan struct{}),
	}
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) error {
	go c.receiveLoop()

	result, err := c.call(ctx, methodInitialize, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "locus", "version": "0.1.0"},
	})
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var init initializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.server = &init.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Send(ctx, newNotification(methodInitialized, nil)); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	return nil
}

// ListTools pages through tools/list.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}

	var all []ToolDescriptor
	var cursor *string
	for {
		params := map[string]any{}
		if cursor != nil {
			params["cursor"] = *cursor
		}
		result, err := c.call(ctx, methodToolsList, params)
		if err != nil {
			return nil, fmt.Errorf("tools/list failed: %w", err)
		}
		var page toolsListResult
		if err := json.Unmarshal(result, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tools/list result: %w", err)
		}
		all = append(all, page.Tools...)
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}
	return all, nil
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*CallResult, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}

	params := map[string]any{"name": name}
	if arguments != nil {
		params["arguments"] = arguments
	}
	result, err := c.call(ctx, methodToolsCall, params)
	if err != nil {
		return nil, fmt.Errorf("tools/call failed: %w", err)
	}

	var call CallResult
	if err := json.Unmarshal(result, &call); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tools/call result: %w", err)
	}
	return &call, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, methodPing, map[string]any{})
	return err
}

func (c *Client) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.mu.Lock()
		for _, ch := range c.pending {
			close(ch)
		}
		c.pending = make(map[int64]chan *rpcResponse)
		c.initialized = false
		c.mu.Unlock()
		err = c.transport.Close()
	})
	return err
}

func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	respCh := make(chan *rpcResponse, 1)

	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.transport.Send(ctx, newRequest(id, method, params)); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("client closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("JSON-RPC error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-time.After(callTimeout):
		return nil, fmt.Errorf("request timeout")
	}
}

func (c *Client) receiveLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case frame, ok := <-c.transport.Receive():
			if !ok {
				return
			}
			if frame.Err != nil {
				continue
			}
			c.dispatch(frame.Data)
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.ID == nil {
		return
	}

	// JSON numbers decode as float64; pending calls key on int64.
	var id int64
	switch v := resp.ID.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	default:
		return
	}

	c.mu.RLock()
	ch, exists := c.pending[id]
	c.mu.RUnlock()
	if !exists {
		return
	}
	select {
	case ch <- &resp:
	default:
	}
}
