package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

// outboundQueueDepth bounds queued writes to the child; excess calls fail
// fast instead of piling up behind a wedged agent.
const outboundQueueDepth = 1000

// RPCError is a JSON-RPC 2.0 error object from the agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcMessage is the wire shape for requests, responses, and notifications.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NotificationHandler receives agent notifications by method.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler receives agent-to-client requests. The handler must
// eventually call respond exactly once.
type RequestHandler func(method string, params json.RawMessage, respond func(result any, rpcErr *RPCError))

// Conn is a JSON-RPC 2.0 connection over a child's stdio. Writes are
// serialized through a single writer goroutine draining a bounded queue;
// the reader dispatches responses to awaiting callers by id and everything
// else to the notification/request handlers.
type Conn struct {
	framer Framer
	log    *zap.Logger

	writeQ chan []byte

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan *rpcMessage
	onNotify NotificationHandler
	onReq    RequestHandler
	closed   bool
	closeErr error

	stdin  io.WriteCloser
	done   chan struct{}
	closeO sync.Once
}

// NewConn starts a connection over the given pipes. The reader and writer
// goroutines run until EOF, a framing error, or Close.
func NewConn(stdin io.WriteCloser, stdout io.Reader, framer Framer, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Conn{
		framer:  framer,
		log:     log,
		writeQ:  make(chan []byte, outboundQueueDepth),
		pending: make(map[int64]chan *rpcMessage),
		stdin:   stdin,
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop(stdout)
	return c
}

// OnNotification installs the notification handler. Must be set before the
// agent can emit notifications of interest.
func (c *Conn) OnNotification(fn NotificationHandler) {
	c.mu.Lock()
	c.onNotify = fn
	c.mu.Unlock()
}

// OnRequest installs the agent-to-client request handler.
func (c *Conn) OnRequest(fn RequestHandler) {
	c.mu.Lock()
	c.onReq = fn
	c.mu.Unlock()
}

// Call performs a JSON-RPC request and waits for its response or ctx expiry.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ws.Errf(ws.KindUpstream, "agent connection closed")
		}
		return nil, err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	msg := rpcMessage{JSONRPC: "2.0", ID: json.RawMessage(fmt.Sprintf("%d", id)), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			c.dropPending(id)
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	if err := c.enqueue(msg); err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ws.Errf(ws.KindUpstream, "agent connection closed")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ws.Errf(ws.KindUpstream, "agent connection closed")
	}
}

// Notify sends a JSON-RPC notification (no response expected).
func (c *Conn) Notify(method string, params any) error {
	msg := rpcMessage{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	return c.enqueue(msg)
}

// respond answers an agent-to-client request.
func (c *Conn) respond(id json.RawMessage, result any, rpcErr *RPCError) {
	msg := rpcMessage{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			c.log.Error("marshal response failed", zap.Error(err))
			msg.Error = &RPCError{Code: -32603, Message: "internal error"}
		} else {
			msg.Result = raw
		}
	}
	if err := c.enqueue(msg); err != nil {
		c.log.Warn("response to agent dropped", zap.Error(err))
	}
}

func (c *Conn) enqueue(msg rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	select {
	case c.writeQ <- data:
		return nil
	case <-c.done:
		return ws.Errf(ws.KindUpstream, "agent connection closed")
	default:
		return ws.Errf(ws.KindConflict, "agent outbound queue full")
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.writeQ:
			if err := c.framer.WriteMessage(c.stdin, data); err != nil {
				c.log.Debug("agent stdin write failed", zap.Error(err))
				c.closeWith(ws.Errf(ws.KindUpstream, "agent stdin write failed: %v", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop(stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 64<<10)
	for {
		payload, err := c.framer.ReadMessage(reader)
		if err != nil {
			if err != io.EOF {
				c.log.Warn("agent framing error, closing connection", zap.Error(err))
				c.closeWith(ws.Errf(ws.KindUpstream, "framing error: %v", err))
			} else {
				c.closeWith(ws.Errf(ws.KindUpstream, "agent closed its stdout"))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.log.Warn("agent framing error, closing connection", zap.Error(err))
			c.closeWith(ws.Errf(ws.KindUpstream, "framing error: malformed JSON: %v", err))
			return
		}
		c.dispatch(&msg)
	}
}

func (c *Conn) dispatch(msg *rpcMessage) {
	// A response has an id and no method.
	if msg.Method == "" && len(msg.ID) > 0 {
		var id int64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			c.log.Debug("response with non-numeric id dropped", zap.ByteString("id", msg.ID))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	// A request has both method and id; a notification only a method.
	if len(msg.ID) > 0 {
		c.mu.Lock()
		handler := c.onReq
		c.mu.Unlock()
		if handler == nil {
			c.respond(msg.ID, nil, &RPCError{Code: -32601, Message: "method not found"})
			return
		}
		id := msg.ID
		handler(msg.Method, msg.Params, func(result any, rpcErr *RPCError) {
			c.respond(id, result, rpcErr)
		})
		return
	}

	c.mu.Lock()
	handler := c.onNotify
	c.mu.Unlock()
	if handler != nil {
		handler(msg.Method, msg.Params)
	}
}

func (c *Conn) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// closeWith tears the connection down and fails all pending calls.
func (c *Conn) closeWith(err error) {
	c.closeO.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = err
		pending := c.pending
		c.pending = make(map[int64]chan *rpcMessage)
		c.mu.Unlock()

		close(c.done)
		_ = c.stdin.Close()
		for _, ch := range pending {
			close(ch)
		}
	})
}

// Close shuts the connection down; pending calls fail.
func (c *Conn) Close() {
	c.closeWith(ws.Errf(ws.KindUpstream, "agent connection closed"))
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }
