package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentgate/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("outbound queue full")
)

// wsConn queues outbound frames for a single writer goroutine so that producers
// (the dispatcher, turn consumers, the heartbeat) never block on the network.
type wsConn struct {
	ws     *websocket.Conn
	out    chan protocol.Outbound
	done   chan struct{}
	logger *slog.Logger

	once   sync.Once
	code   websocket.StatusCode
	reason string
}

func newWSConn(ws *websocket.Conn, queueSize int, logger *slog.Logger) *wsConn {
	return &wsConn{
		ws:     ws,
		out:    make(chan protocol.Outbound, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send queues a frame. A full queue means the client is not reading; the connection
// is closed rather than letting the backlog grow.
func (c *wsConn) Send(frame protocol.Outbound) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.logger.Warn("Outbound queue full, closing slow consumer",
			"frame_type", frame.FrameType(),
			"queue_len", len(c.out),
		)
		c.shutdown(websocket.StatusPolicyViolation, "slow consumer")
		return errQueueFull
	}
}

// Close starts a graceful close. It does not wait for the handshake.
func (c *wsConn) Close(reason string) {
	c.shutdown(websocket.StatusGoingAway, reason)
}

// Probe pings the peer. The read loop must be running for the pong to arrive.
func (c *wsConn) Probe(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Terminate drops a peer that stopped answering probes without a close handshake.
func (c *wsConn) Terminate(reason string) {
	c.shutdown(websocket.StatusGoingAway, reason)
	_ = c.ws.CloseNow()
}

func (c *wsConn) shutdown(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.code = code
		c.reason = reason
		close(c.done)
	})
}

// writeLoop drains the queue until the connection is shut down or ctx ends.
func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-c.out:
			if err := c.write(ctx, frame); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("WebSocket write error", "error", err, "frame_type", frame.FrameType())
				}
				c.shutdown(websocket.StatusInternalError, "write failed")
				_ = c.ws.CloseNow()
				return
			}
		case <-c.done:
			c.flush(ctx)
			if err := c.ws.Close(c.code, c.reason); err != nil {
				c.logger.Debug("Failed to close websocket", "error", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// flush writes frames already queued before a graceful close.
func (c *wsConn) flush(ctx context.Context) {
	if c.code == websocket.StatusPolicyViolation {
		return
	}
	for {
		select {
		case frame := <-c.out:
			if err := c.write(ctx, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(ctx context.Context, frame protocol.Outbound) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, c.ws, frame)
}
