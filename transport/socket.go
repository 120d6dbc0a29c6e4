package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/mcpflow/codec"
	"github.com/BaSui01/mcpflow/trace"
	"github.com/BaSui01/mcpflow/types"
)

// SocketConfig configures a framed TCP client.
type SocketConfig struct {
	// Endpoint is the worker's host:port.
	Endpoint string
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// TLS, when set, wraps the connection. Nil means plaintext.
	TLS *tls.Config
	// Codec encodes envelopes on the wire. Defaults to codec.JSON().
	Codec codec.Codec
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// SocketClient is the Tier1↔Tier2 transport: length-prefixed frames over
// TCP. Responses are matched to requests by parent id through a pending
// waiter map; Send enforces the envelope TTL as a hard client-side
// timeout and removes its waiter on expiry so nothing leaks. An abrupt
// disconnect fails all in-flight sends with WORKER_CRASH.
type SocketClient struct {
	cfg     SocketConfig
	logger  *zap.Logger
	pending *pendingMap

	mu     sync.Mutex
	conn   net.Conn
	writer *codec.FrameWriter
	closed bool

	// onCrash fires once when the connection drops without a clean
	// Close. The supervisor uses it to deregister the dead worker.
	onCrash func(err error)
	// onProgress receives interim frames (TASK_PROGRESS, STREAM_*),
	// which never resolve a waiter: the terminal response is still in
	// flight.
	onProgress func(msg *types.MCPMessage)
}

// DialSocket connects to a worker endpoint and starts the read loop.
func DialSocket(ctx context.Context, cfg SocketConfig) (*SocketClient, error) {
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	d := &net.Dialer{Timeout: cfg.DialTimeout}
	var conn net.Conn
	var err error
	if cfg.TLS != nil {
		td := &tls.Dialer{NetDialer: d, Config: cfg.TLS}
		conn, err = td.DialContext(ctx, "tcp", cfg.Endpoint)
	} else {
		conn, err = d.DialContext(ctx, "tcp", cfg.Endpoint)
	}
	if err != nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "dial "+cfg.Endpoint).WithCause(err)
	}

	c := &SocketClient{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("component", "transport.socket"), zap.String("endpoint", cfg.Endpoint)),
		pending: newPendingMap(),
		conn:    conn,
		writer:  codec.NewFrameWriter(conn),
	}
	go c.readLoop(codec.NewFrameReader(conn))
	return c, nil
}

// OnCrash registers the abrupt-disconnect callback.
func (c *SocketClient) OnCrash(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCrash = fn
}

// OnProgress registers the TASK_PROGRESS callback.
func (c *SocketClient) OnProgress(fn func(msg *types.MCPMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProgress = fn
}

func (c *SocketClient) readLoop(reader *codec.FrameReader) {
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		msg, err := c.cfg.Codec.Decode(frame)
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

func (c *SocketClient) handleDisconnect(cause error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	onCrash := c.onCrash
	_ = c.conn.Close()
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

func (c *SocketClient) write(msg *types.MCPMessage) error {
	data, err := c.cfg.Codec.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.NewError(types.ErrWorkerCrash, "connection to "+c.cfg.Endpoint+" is down")
	}
	if err := c.writer.WriteFrame(data); err != nil {
		return types.NewError(types.ErrWorkerCrash, "write to "+c.cfg.Endpoint).WithCause(err)
	}
	return nil
}

// Send writes the request frame and waits for the correlated response.
func (c *SocketClient) Send(ctx context.Context, msg *types.MCPMessage) (*types.MCPMessage, error) {
	if err := checkSendable(msg); err != nil {
		return nil, err
	}
	trace.Propagate(msg)

	waiter := c.pending.add(msg.ID)
	if err := c.write(msg); err != nil {
		c.pending.remove(msg.ID)
		return nil, err
	}

	timer := time.NewTimer(time.Until(msg.Deadline()))
	defer timer.Stop()

	select {
	case resp, ok := <-waiter:
		if !ok || resp == nil {
			return nil, types.NewError(types.ErrWorkerCrash, "connection to "+c.cfg.Endpoint+" lost mid-request")
		}
		return resp, nil
	case <-timer.C:
		c.pending.remove(msg.ID)
		return nil, types.NewError(types.ErrTimeout, "no response from "+c.cfg.Endpoint+" within ttl "+msg.TTL.String())
	case <-ctx.Done():
		c.pending.remove(msg.ID)
		return nil, types.NewError(types.ErrCancelled, "send cancelled").WithCause(ctx.Err())
	}
}

// Publish writes the frame without registering a waiter.
func (c *SocketClient) Publish(_ context.Context, msg *types.MCPMessage) error {
	if err := checkSendable(msg); err != nil {
		return err
	}
	trace.Propagate(msg)
	return c.write(msg)
}

// Close shuts down the connection cleanly; no crash callback fires.
func (c *SocketClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	for _, ch := range c.pending.failAll() {
		close(ch)
	}
	return conn.Close()
}
