// Package transport owns one TCP socket's framing, authorization, and
// request/response correlation (spec.md §4.B). It generalizes the
// teacher's per-connection goroutine-plus-bufio.Reader shape
// (internal/server/tcp_server.go's handleConnection,
// internal/connection/manager.go's registry bookkeeping) from a
// one-way telemetry feed into a full duplex request/response link,
// since both Worker and Master sides issue requests to each other.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jobfabric/jobfabric/internal/apierr"
	"github.com/jobfabric/jobfabric/internal/logging"
	"github.com/jobfabric/jobfabric/internal/protocol"
)

// Handler answers a decoded request. It returns the data to place in a
// successful Response, or an error to place in a failed one — the
// caller (Connection.handleRequest) takes care of turning either into
// a wire Response. Matching the signature of internal/router's
// Router.Handle method lets
// router.Router satisfy this without an import cycle.
type Handler interface {
	Handle(ctx context.Context, reqType string, data json.RawMessage, conn *Connection) (any, error)
}

// AuthConfig is the subset of config.Common authorization needs.
type AuthConfig struct {
	Password             string
	AlwaysAllowLocalhost bool
}

// Connection owns one socket, the framed codec over it, and the
// outstanding-request table for requests this side has issued.
type Connection struct {
	conn    net.Conn
	reader  *protocol.FrameReader
	writeMu sync.Mutex

	seq *protocol.SeqCounter

	auth       AuthConfig
	authorized bool

	pendingMu sync.Mutex
	pending   map[int]chan *protocol.Response

	closeMu   sync.Mutex
	closed    bool
	onCloseFn []func()

	handler Handler
	log     *logging.Logger

	// ID is a per-connection correlation id stamped at construction
	// (the teacher's tcp_server.go generates one with uuid.New().String()
	// per accepted connection for its log lines; this generalizes the
	// same id to both accepted and dialed connections on either side of
	// the link).
	ID string

	// Name is an optional label, empty unless a caller sets it. The
	// Master keeps a Worker's advertised name in registry.Worker.Name,
	// not here.
	Name string
}

// New wraps an accepted or dialed net.Conn. handler may be nil for a
// connection that only ever issues requests and never receives them.
func New(conn net.Conn, auth AuthConfig, handler Handler, log *logging.Logger) *Connection {
	c := &Connection{
		conn:       conn,
		reader:     protocol.NewFrameReader(bufio.NewReader(conn)),
		seq:        protocol.NewSeqCounter(),
		auth:       auth,
		authorized: auth.Password == "",
		pending:    make(map[int]chan *protocol.Response),
		handler:    handler,
		log:        log,
		ID:         uuid.New().String(),
	}
	if log != nil {
		log.Printf("connection %s: new link to %s", c.ID, conn.RemoteAddr())
	}
	return c
}

// RemoteAddr exposes the underlying socket's remote address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// OnClose registers a callback invoked once this connection closes
// (spec.md §4.H step 3's "subscribe to the connection's close event").
func (c *Connection) OnClose(fn func()) {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		fn()
		return
	}
	c.onCloseFn = append(c.onCloseFn, fn)
	c.closeMu.Unlock()
}

func (c *Connection) isLoopback() bool {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		host = c.conn.RemoteAddr().String()
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return isLocalAddrString(host)
}

// Serve reads and dispatches frames until the connection closes. It
// blocks; callers run it in its own goroutine.
func (c *Connection) Serve() {
	defer c.close()
	for {
		raw, err := c.reader.ReadFrame()
		if err != nil {
			return
		}
		env, err := protocol.DecodeFrame(raw)
		if err != nil {
			c.writeEnvelope(protocol.Envelope{
				Type:     protocol.MessageResponse,
				Response: protocol.ErrorResponse(0, err),
			})
			continue
		}
		c.handleEnvelope(env)
	}
}

func (c *Connection) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.MessageRequest:
		go c.handleRequest(env.Request)
	case protocol.MessageResponse:
		c.resolvePending(env.Response)
	case protocol.MessagePing:
		c.writeEnvelope(protocol.Envelope{Type: protocol.MessagePong})
	case protocol.MessagePong:
		// no action beyond the codec's own book-keeping.
	}
}

func (c *Connection) handleRequest(req *protocol.Request) {
	if !c.checkAuthorized(req) {
		c.writeEnvelope(protocol.Envelope{
			Type:     protocol.MessageResponse,
			Response: protocol.ErrorResponse(req.No, apierr.NewAuthError()),
		})
		c.close()
		return
	}

	if c.handler == nil {
		c.writeEnvelope(protocol.Envelope{
			Type:     protocol.MessageResponse,
			Response: protocol.ErrorResponse(req.No, apierr.NewUnknownRequestType(req.Type)),
		})
		return
	}

	data, err := c.handler.Handle(context.Background(), req.Type, req.Data, c)
	var resp *protocol.Response
	if err != nil {
		resp = protocol.ErrorResponse(req.No, err)
	} else {
		resp, err = protocol.DataResponse(req.No, data)
		if err != nil {
			resp = protocol.ErrorResponse(req.No, err)
		}
	}
	c.writeEnvelope(protocol.Envelope{Type: protocol.MessageResponse, Response: resp})
}

// checkAuthorized implements spec.md §4.B's authorization rule: once
// authorized, stays authorized; otherwise a matching password (or a
// loopback peer under always_allow_localhost) authorizes this request
// and all subsequent ones.
func (c *Connection) checkAuthorized(req *protocol.Request) bool {
	if c.authorized {
		return true
	}
	if c.auth.AlwaysAllowLocalhost && c.isLoopback() {
		c.authorized = true
		return true
	}
	if c.auth.Password != "" && req.Password == c.auth.Password {
		c.authorized = true
		return true
	}
	return false
}

func (c *Connection) resolvePending(resp *protocol.Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.No]
	if ok {
		delete(c.pending, resp.No)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

// Send writes a fire-and-forget request (no response awaited).
func (c *Connection) Send(reqType string, data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	return c.writeEnvelope(protocol.Envelope{
		Type: protocol.MessageRequest,
		Request: &protocol.Request{
			No: c.seq.Next(), Type: reqType, Data: raw, Password: c.auth.Password,
		},
	})
}

// SendRequest writes a request and blocks for its matching response,
// or until ctx is done or the connection closes.
func (c *Connection) SendRequest(ctx context.Context, reqType string, data any) (json.RawMessage, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}

	no := c.seq.Next()
	ch := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[no] = ch
	c.pendingMu.Unlock()

	err = c.writeEnvelope(protocol.Envelope{
		Type: protocol.MessageRequest,
		Request: &protocol.Request{
			No: no, Type: reqType, Data: raw, Password: c.auth.Password,
		},
	})
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, no)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("%s", resp.Error)
		}
		return resp.Data, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, no)
		c.pendingMu.Unlock()
		return nil, apierr.ErrRequestTimeout
	}
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}
	return raw, nil
}

func (c *Connection) writeEnvelope(env protocol.Envelope) error {
	frame, err := protocol.EncodeFrame(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	_, err = c.conn.Write(frame)
	c.writeMu.Unlock()
	return err
}

// Ping sends a keepalive ping (spec.md §4.H keepalive).
func (c *Connection) Ping() error {
	return c.writeEnvelope(protocol.Envelope{Type: protocol.MessagePing})
}

// Close closes the underlying socket, failing every outstanding
// request with "socket closed".
func (c *Connection) Close() error {
	return c.conn.Close()
}

func (c *Connection) close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	callbacks := c.onCloseFn
	c.onCloseFn = nil
	c.closeMu.Unlock()

	c.conn.Close()

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int]chan *protocol.Response)
	c.pendingMu.Unlock()
	for no, ch := range pending {
		ch <- protocol.ErrorResponse(no, apierr.ErrSocketClosed)
	}

	for _, fn := range callbacks {
		fn()
	}
}

// isLocalAddrString covers address shapes net.ParseIP rejects (bare
// "localhost", or a unix-socket path with no host:port split).
func isLocalAddrString(s string) bool {
	return strings.HasPrefix(s, "127.") || s == "::1" || s == "localhost"
}
