package transport

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/mcpflow/codec"
	"github.com/BaSui01/mcpflow/trace"
	"github.com/BaSui01/mcpflow/types"
)

// WSConfig configures a WebSocket client.
type WSConfig struct {
	// URL is the worker endpoint, e.g. "ws://host:port/mcp".
	URL string
	// Codec defaults to codec.JSON().
	Codec codec.Codec
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// WSClient carries envelopes over a WebSocket connection with the same
// request/response semantics as SocketClient: waiters keyed by request id,
// TTL-bounded sends, WORKER_CRASH on abrupt close. WebSocket frames
// replace the explicit length prefix.
type WSClient struct {
	cfg     WSConfig
	logger  *zap.Logger
	pending *pendingMap

	mu         sync.Mutex
	conn       *websocket.Conn
	closed     bool
	onCrash    func(err error)
	onProgress func(msg *types.MCPMessage)

	readCancel context.CancelFunc
}

// DialWS connects to a WebSocket worker endpoint and starts the read loop.
func DialWS(ctx context.Context, cfg WSConfig) (*WSClient, error) {
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	conn, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{"mcpflow"},
	})
	if err != nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "dial "+cfg.URL).WithCause(err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		cfg:        cfg,
		logger:     cfg.Logger.With(zap.String("component", "transport.ws"), zap.String("url", cfg.URL)),
		pending:    newPendingMap(),
		conn:       conn,
		readCancel: cancel,
	}
	go c.readLoop(readCtx)
	return c, nil
}

// OnCrash registers the abrupt-disconnect callback.
func (c *WSClient) OnCrash(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCrash = fn
}

// OnProgress registers the TASK_PROGRESS callback.
func (c *WSClient) OnProgress(fn func(msg *types.MCPMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProgress = fn
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		msg, err := c.cfg.Codec.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if msg.Type.Interim() {
			c.mu.Lock()
			onProgress := c.onProgress
			c.mu.Unlock()
			if onProgress != nil {
				onProgress(msg)
			}
			continue
		}
		if msg.ParentID == "" || !c.pending.resolve(msg) {
			c.logger.Debug("unmatched inbound message",
				zap.String("type", string(msg.Type)),
				zap.String("parent_id", msg.ParentID),
			)
		}
	}
}

func (c *WSClient) handleDisconnect(cause error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	onCrash := c.onCrash
	c.mu.Unlock()

	for _, ch := range c.pending.failAll() {
		close(ch)
	}
	if !wasClosed {
		c.logger.Warn("connection lost", zap.Error(cause))
		if onCrash != nil {
			onCrash(cause)
		}
	}
}

func (c *WSClient) write(ctx context.Context, msg *types.MCPMessage) error {
	data, err := c.cfg.Codec.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.NewError(types.ErrWorkerCrash, "connection to "+c.cfg.URL+" is down")
	}
	if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return types.NewError(types.ErrWorkerCrash, "write to "+c.cfg.URL).WithCause(err)
	}
	return nil
}

// Send writes the request and waits for the correlated response.
func (c *WSClient) Send(ctx context.Context, msg *types.MCPMessage) (*types.MCPMessage, error) {
	if err := checkSendable(msg); err != nil {
		return nil, err
	}
	trace.Propagate(msg)

	waiter := c.pending.add(msg.ID)
	if err := c.write(ctx, msg); err != nil {
		c.pending.remove(msg.ID)
		return nil, err
	}

	timer := time.NewTimer(time.Until(msg.Deadline()))
	defer timer.Stop()

	select {
	case resp, ok := <-waiter:
		if !ok || resp == nil {
			return nil, types.NewError(types.ErrWorkerCrash, "connection to "+c.cfg.URL+" lost mid-request")
		}
		return resp, nil
	case <-timer.C:
		c.pending.remove(msg.ID)
		return nil, types.NewError(types.ErrTimeout, "no response from "+c.cfg.URL+" within ttl "+msg.TTL.String())
	case <-ctx.Done():
		c.pending.remove(msg.ID)
		return nil, types.NewError(types.ErrCancelled, "send cancelled").WithCause(ctx.Err())
	}
}

// Publish writes the frame without registering a waiter.
func (c *WSClient) Publish(ctx context.Context, msg *types.MCPMessage) error {
	if err := checkSendable(msg); err != nil {
		return err
	}
	trace.Propagate(msg)
	return c.write(ctx, msg)
}

// Close shuts the connection down cleanly; no crash callback fires.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.readCancel()
	for _, ch := range c.pending.failAll() {
		close(ch)
	}
	return conn.Close(websocket.StatusNormalClosure, "client shutdown")
}
