// Package mcp imports tools from Model Context Protocol servers into an
// agent tool registry. Only the SSE transport is supported.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultCallTimeout = 30 * time.Second

// ErrClosed is returned for calls on a closed or disconnected client.
var ErrClosed = errors.New("mcp client closed")

// ServerConfig names one MCP server.
type ServerConfig struct {
	Name        string        `json:"name" yaml:"name"`
	URL         string        `json:"url" yaml:"url"`
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

// ToolInfo describes a tool exposed by an MCP server.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

// Client holds an SSE stream open to one server. Requests are POSTed to
// the endpoint announced on the stream; replies arrive as "message" events.
type Client struct {
	cfg     ServerConfig
	http    *http.Client
	rpcURL  string
	tools   []ToolInfo
	pending map[int64]chan rpcReply
	nextID  atomic.Int64
	closed  bool
	cancel  context.CancelFunc
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewClient creates a client for the server's SSE endpoint.
func NewClient(cfg ServerConfig, logger *zap.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		pending: make(map[int64]chan rpcReply),
		logger:  logger.With(zap.String("mcp", cfg.Name)),
	}
}

func (c *Client) Name() string { return c.cfg.Name }

// Tools returns the tools listed by the server at connect time.
func (c *Client) Tools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolInfo(nil), c.tools...)
}

// Connect opens the stream, waits for the endpoint event and lists the
// server's tools. The stream outlives ctx until Close.
func (c *Client) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp connect: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp connect: status %d", resp.StatusCode)
	}

	events := make(chan sseEvent, 8)
	go readEvents(resp.Body, events)

	var endpoint string
	select {
	case ev, ok := <-events:
		if !ok || ev.name != "endpoint" {
			cancel()
			return fmt.Errorf("mcp connect: stream did not announce an endpoint")
		}
		endpoint = ev.data
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	rpcURL, err := resolve(c.cfg.URL, endpoint)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp connect: %w", err)
	}
	c.mu.Lock()
	c.rpcURL = rpcURL
	c.cancel = cancel
	c.mu.Unlock()
	go c.dispatch(events)

	if err := c.listTools(ctx); err != nil {
		c.Close()
		return fmt.Errorf("mcp list tools: %w", err)
	}
	c.logger.Info("MCP tools discovered", zap.String("rpc", rpcURL), zap.Int("count", len(c.Tools())))
	return nil
}

type sseEvent struct {
	name string
	data string
}

// readEvents parses an SSE stream into events and closes out when the
// stream ends.
func readEvents(r io.ReadCloser, out chan<- sseEvent) {
	defer close(out)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.data != "" {
				out <- ev
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if ev.data != "" {
				ev.data += "\n"
			}
			ev.data += data
		}
	}
}

// dispatch routes "message" events to the waiting callers. When the stream
// ends every pending call fails.
func (c *Client) dispatch(events <-chan sseEvent) {
	for ev := range events {
		if ev.name != "" && ev.name != "message" {
			continue
		}
		var envelope struct {
			ID     int64           `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(ev.data), &envelope); err != nil {
			c.logger.Debug("ignoring non-JSON-RPC event")
			continue
		}
		reply := rpcReply{result: envelope.Result}
		if envelope.Error != nil {
			reply.err = fmt.Errorf("rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)
		}

		c.mu.Lock()
		ch, ok := c.pending[envelope.ID]
		delete(c.pending, envelope.ID)
		c.mu.Unlock()
		if ok {
			ch <- reply
		}
	}
	c.Close()
}

// call sends one JSON-RPC request and waits for its reply on the stream.
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcReply, 1)

	c.mu.Lock()
	if c.closed || c.rpcURL == "" {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	rpcURL := c.rpcURL
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	body, err := json.Marshal(struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      int64       `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{"2.0", id, method, params})
	if err != nil {
		forget()
		return nil, fmt.Errorf("marshal rpc: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL, bytes.NewReader(body))
	if err != nil {
		forget()
		return nil, fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		forget()
		return nil, fmt.Errorf("send rpc: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		forget()
		return nil, fmt.Errorf("send rpc: status %d", resp.StatusCode)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return reply.result, reply.err
	case <-ctx.Done():
		forget()
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) listTools(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var resp struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list: %w", err)
	}
	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	return nil
}

// CallTool invokes a tool and returns its text content joined by newlines.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	result, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", name, err)
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &resp); err != nil || len(resp.Content) == 0 {
		return string(result), nil
	}
	var parts []string
	for _, item := range resp.Content {
		if item.Type == "text" {
			parts = append(parts, item.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if resp.IsError {
		return "", fmt.Errorf("mcp call %s: %s", name, text)
	}
	return text, nil
}

// Close ends the stream and fails pending calls. It is safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	return nil
}

// resolve turns the announced endpoint into an absolute URL.
func resolve(base, endpoint string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(ref).String(), nil
}
