package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tsarna/eventwire/pkg/eventwire/protocol"
)

var (
	// ErrConnectionClosed is returned by Send once the connection is closing.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned by Send when the outbound queue is full.
	ErrSlowConsumer = errors.New("outbound queue full")
)

// connection is the Peer for one accepted WebSocket. The reader runs in the
// HTTP handler goroutine; all writes go through a single writer goroutine
// fed by a bounded channel, so Send never blocks the caller.
type connection struct {
	ctx          context.Context
	cancel       context.CancelFunc
	conn         *websocket.Conn
	logger       *zap.Logger
	writeTimeout time.Duration
	startedAt    time.Time

	outbound chan protocol.Envelope
	done     chan struct{}

	closeOnce   sync.Once
	cleanupOnce sync.Once
}

func newConnection(ctx context.Context, conn *websocket.Conn, cfg *HubConfig, logger *zap.Logger) *connection {
	ctx, cancel := context.WithCancel(ctx)
	return &connection{
		ctx:          ctx,
		cancel:       cancel,
		conn:         conn,
		logger:       logger,
		writeTimeout: cfg.writeTimeout,
		startedAt:    cfg.clock.Now(),
		outbound:     make(chan protocol.Envelope, cfg.queueSize),
		done:         make(chan struct{}),
	}
}

func (c *connection) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.outbound <- env:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close starts a close handshake in the background. Later calls are no-ops.
func (c *connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.logger.Debug("Closing connection", zap.Int("code", code), zap.String("reason", reason))
		go func() {
			if err := c.conn.Close(websocket.StatusCode(code), reason); err != nil {
				c.logger.Debug("Close handshake did not complete", zap.Error(err))
			}
		}()
	})
}

// Terminate drops the connection without a close handshake.
func (c *connection) Terminate() {
	c.closeOnce.Do(func() {
		c.logger.Debug("Terminating connection")
		c.conn.CloseNow()
	})
}

// writer serialises outbound frames until the connection is cleaned up.
func (c *connection) writer() {
	defer c.logger.Debug("Writer goroutine stopped")

	for {
		select {
		case <-c.done:
			return
		case env := <-c.outbound:
			if err := c.write(env); err != nil {
				c.logger.Debug("Failed to write frame",
					zap.String("type", string(env.Type)),
					zap.Error(err))
				c.Terminate()
				return
			}
		}
	}
}

func (c *connection) write(env protocol.Envelope) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		// Not a transport failure; skip the frame.
		c.logger.Error("Failed to marshal frame", zap.String("type", string(env.Type)), zap.Error(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// read returns the next inbound frame. Binary frames are treated like text.
func (c *connection) read() ([]byte, error) {
	_, data, err := c.conn.Read(c.ctx)
	return data, err
}

func (c *connection) cleanup() {
	c.cleanupOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}
