package ws

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may go without a pong.
	pongWait = 60 * time.Second
	// pingPeriod is the server heartbeat interval.
	pingPeriod = 20 * time.Second
	// sendBuffer is the outbound queue depth; overflow closes the connection.
	sendBuffer = 256
	// maxMessageSize bounds inbound frames (base64 image blocks included).
	maxMessageSize = 8 << 20
)

// Application close codes surfaced to clients.
const (
	CloseSlowConsumer     = 4000
	CloseHeartbeatTimeout = 4001
	CloseServerShutdown   = 4002
)

// pendingRequest tracks one in-flight request id on a connection.
type pendingRequest struct {
	service string
	op      string
	timer   *time.Timer
}

// Conn is one client WebSocket connection. The reader goroutine owns inbound
// dispatch; all writes are serialized through the send queue.
type Conn struct {
	id          string
	sock        *websocket.Conn
	origin      string
	connectedAt time.Time

	mux  *Mux
	log  *zap.Logger
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	pendingMu  sync.Mutex
	pending    map[string]*pendingRequest
	tombstones map[string]struct{}

	queueMu sync.Mutex
	queues  map[string]*taskQueue
}

// taskQueue serializes handler execution for one service on one connection.
type taskQueue struct {
	tasks   []func()
	running bool
}

func newConn(id string, sock *websocket.Conn, origin string, mux *Mux, log *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:          id,
		sock:        sock,
		origin:      origin,
		connectedAt: time.Now(),
		mux:         mux,
		log:         log,
		send:        make(chan []byte, sendBuffer),
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]*pendingRequest),
		tombstones:  make(map[string]struct{}),
		queues:      make(map[string]*taskQueue),
	}
}

// runSerial executes fn after every earlier task queued for the same service
// on this connection. Frames from one client therefore run in the order they
// were sent within a service, while a slow service never blocks another.
func (c *Conn) runSerial(service string, fn func()) {
	c.queueMu.Lock()
	q, ok := c.queues[service]
	if !ok {
		q = &taskQueue{}
		c.queues[service] = q
	}
	q.tasks = append(q.tasks, fn)
	if q.running {
		c.queueMu.Unlock()
		return
	}
	q.running = true
	c.queueMu.Unlock()

	go func() {
		for {
			c.queueMu.Lock()
			if len(q.tasks) == 0 {
				q.running = false
				c.queueMu.Unlock()
				return
			}
			next := q.tasks[0]
			q.tasks = q.tasks[1:]
			c.queueMu.Unlock()
			next()
		}
	}()
}

// ID returns the opaque connection id.
func (c *Conn) ID() string { return c.id }

// enqueue queues a marshaled frame for writing. A full queue means the
// client is not keeping up; the connection is closed rather than letting it
// stall every other producer.
func (c *Conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.log.Warn("outbound queue full, closing slow consumer",
			zap.String("conn_id", c.id))
		c.close(CloseSlowConsumer, "slow consumer")
	}
}

// enqueueFrame marshals and queues a frame.
func (c *Conn) enqueueFrame(f Frame) {
	data, err := marshalFrame(f)
	if err != nil {
		c.log.Error("frame marshal failed", zap.String("conn_id", c.id), zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Conn) readPump() {
	defer c.close(websocket.CloseNormalClosure, "")

	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if code := closeCodeForReadError(err); code == CloseHeartbeatTimeout {
				// The read deadline only expires when pongs stop coming.
				c.close(CloseHeartbeatTimeout, "heartbeat timeout")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		c.mux.dispatch(c, data)
	}
}

// closeCodeForReadError classifies a readPump error into the close code sent
// to the peer: deadline expiry means the heartbeat lapsed.
func closeCodeForReadError(err error) int {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CloseHeartbeatTimeout
	}
	return websocket.CloseNormalClosure
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				// No pong keeps the read deadline from advancing, so the
				// reader tears the connection down; failing the ping write
				// gets the same treatment immediately.
				c.close(CloseHeartbeatTimeout, "heartbeat timeout")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// close tears the connection down exactly once: close frame, pending
// cleanup, unregister, socket close.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))

		c.cancel()
		c.failPending()
		c.mux.unregister(c)
		_ = c.sock.Close()
	})
}

// addPending registers an in-flight request id with its deadline. Returns
// false if the id is already in flight or already timed out.
func (c *Conn) addPending(id, service, op string, deadline time.Duration, onTimeout func()) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, dup := c.pending[id]; dup {
		return false
	}
	if _, dead := c.tombstones[id]; dead {
		return false
	}
	p := &pendingRequest{service: service, op: op}
	p.timer = time.AfterFunc(deadline, onTimeout)
	c.pending[id] = p
	return true
}

// takePending removes and returns the pending entry for id. A nil return
// means the id already completed or timed out; the caller must drop its
// response.
func (c *Conn) takePending(id string) *pendingRequest {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p
}

// expirePending removes the entry for id and tombstones it so any late
// response is dropped.
func (c *Conn) expirePending(id string) *pendingRequest {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	c.tombstones[id] = struct{}{}
	return p
}

func (c *Conn) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
	}
}
