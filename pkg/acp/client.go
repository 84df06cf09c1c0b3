// Package acp implements the transport for the Agent Client Protocol: a
// JSON-RPC 2.0 connection over stdin/stdout used by ACP-speaking agents
// (e.g. gemini's ACP bridge). See jsonrpc for the wire types and the
// ACP-specific method/notification shapes.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/pkg/acp/jsonrpc"
	"go.uber.org/zap"
)

// NotificationHandler handles an inbound ACP notification (no response expected).
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler handles an inbound ACP request that requires a response
// (e.g. session/request_permission).
type RequestHandler func(id any, method string, params json.RawMessage)

// Client is a JSON-RPC 2.0 client/server symmetric connection: it both
// issues requests to the agent process and answers requests the agent
// process issues back, over the same stdin/stdout pipe pair.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	nextID  atomic.Int64
	pending map[int64]chan *jsonrpc.Response
	mu      sync.Mutex

	onNotification NotificationHandler
	onRequest      RequestHandler

	done chan struct{}
}

func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		logger:  log.WithFields(zap.String("component", "acp-client")),
		pending: make(map[int64]chan *jsonrpc.Response),
		done:    make(chan struct{}),
	}
}

func (c *Client) SetNotificationHandler(h NotificationHandler) { c.onNotification = h }
func (c *Client) SetRequestHandler(h RequestHandler)            { c.onRequest = h }

func (c *Client) Start(ctx context.Context) { go c.readLoop(ctx) }

func (c *Client) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Call issues a request and blocks for its response.
func (c *Client) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	id := c.nextID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = b
	}

	respCh := make(chan *jsonrpc.Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := jsonrpc.Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}
	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return resp, fmt.Errorf("acp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("acp client closed")
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = b
	}
	return c.send(jsonrpc.Notification{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

// Respond answers a request the agent process sent us.
func (c *Client) Respond(id any, result any, rpcErr *jsonrpc.Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = b
	}
	return c.send(jsonrpc.Response{JSONRPC: "2.0", ID: id, Result: resultJSON, Error: rpcErr})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	_, err = c.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var envelope struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *jsonrpc.Error  `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			c.logger.Warn("failed to parse acp message", zap.Error(err))
			continue
		}

		hasID := len(envelope.ID) > 0 && string(envelope.ID) != "null"
		hasMethod := envelope.Method != ""

		switch {
		case hasID && !hasMethod:
			var id int64
			if err := json.Unmarshal(envelope.ID, &id); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[id]
			c.mu.Unlock()
			if ok {
				ch <- &jsonrpc.Response{JSONRPC: "2.0", ID: id, Result: envelope.Result, Error: envelope.Error}
			}
		case hasID && hasMethod:
			var id any
			_ = json.Unmarshal(envelope.ID, &id)
			if c.onRequest != nil {
				c.onRequest(id, envelope.Method, envelope.Params)
			}
		case hasMethod:
			if c.onNotification != nil {
				c.onNotification(envelope.Method, envelope.Params)
			}
		}
	}
}
