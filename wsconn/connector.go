// Package wsconn is the pool.Connector used on both sides of a leasepool
// tunnel: it dials (or, on the server, accepts) a websocket connection,
// performs the wire.Handshake, and hands the pool a multiplexed smux
// session as the slot's connection. Each unit of capacity the pool hands
// out as a Lease corresponds to one smux stream opened on demand by the
// caller, not a stream held open for the slot's lifetime.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtaci/smux"

	"golift.io/leasepool/pool"
	"golift.io/leasepool/wire"
)

// HandshakeTimeout bounds how long the websocket upgrade and the
// subsequent Handshake exchange are allowed to take.
const HandshakeTimeout = 30 * time.Second

// Conn is the connection value the pool hands back through Lease.Conn for
// a slot opened by Connector. It wraps one websocket transport carrying
// one smux session, which is what actually provides the slot's
// MaxCapacity concurrent streams.
type Conn struct {
	ID      string
	ws      *websocket.Conn
	session *smux.Session
}

// OpenStream opens a new multiplexed stream for one proxied request. The
// caller closes it when the request/response cycle completes; closing it
// does not affect the slot's lease accounting, which the pool tracks
// independently.
func (c *Conn) OpenStream() (*smux.Stream, error) {
	stream, err := c.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("opening multiplexed stream: %w", err)
	}

	return stream, nil
}

// AcceptStream blocks for the next stream opened by the remote side of
// the session. The client side of a tunnel uses this to receive proxied
// requests the server pushes down an already-registered connection.
func (c *Conn) AcceptStream() (*smux.Stream, error) {
	stream, err := c.session.AcceptStream()
	if err != nil {
		return nil, fmt.Errorf("accepting multiplexed stream: %w", err)
	}

	return stream, nil
}

// Close tears down the smux session and the underlying websocket.
func (c *Conn) Close() error {
	_ = c.session.Close()

	return c.ws.Close() //nolint:wrapcheck
}

// NumStreams reports the session's current open stream count.
func (c *Conn) NumStreams() int {
	return c.session.NumStreams()
}

// Connector dials out to a leasepool server, completes the registration
// handshake, and wraps the resulting transport in an smux client session.
// It implements pool.Connector.
type Connector struct {
	Dialer      *websocket.Dialer
	Target      string
	SecretKey   string
	ClientID    string
	ClientName  string
	MaxCapacity int
}

// NewConnector builds a Connector with the same dialer settings the
// teacher's client package uses: write compression enabled, a bounded
// handshake timeout.
func NewConnector(target, secretKey, clientID, clientName string, maxCapacity int) *Connector {
	return &Connector{
		Dialer: &websocket.Dialer{
			EnableCompression: true,
			HandshakeTimeout:  HandshakeTimeout,
		},
		Target:      target,
		SecretKey:   secretKey,
		ClientID:    clientID,
		ClientName:  clientName,
		MaxCapacity: maxCapacity,
	}
}

// Connect implements pool.Connector. It always completes asynchronously
// relative to the caller (the dial, handshake and smux setup all run on
// their own goroutine), so a slow or hanging server never blocks the
// pool's executor.
func (c *Connector) Connect(ctx context.Context, listener pool.Listener, callback func(pool.ConnectResult, error)) {
	go func() {
		conn, err := c.connect(ctx, listener)
		if err != nil {
			callback(pool.ConnectResult{}, err)

			return
		}

		callback(pool.ConnectResult{Conn: conn, MaxCapacity: c.MaxCapacity, Weight: 1}, nil)
	}()
}

func (c *Connector) connect(ctx context.Context, listener pool.Listener) (*Conn, error) {
	header := http.Header{wire.SecretKeyHeader: {c.SecretKey}}

	ws, _, err := c.Dialer.DialContext(ctx, c.Target, header) //nolint:bodyclose
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.Target, err)
	}

	ws.EnableWriteCompression(true)

	greeting := &wire.Handshake{
		ID:          c.ClientID,
		Name:        c.ClientName,
		MaxCapacity: c.MaxCapacity,
	}

	if err := ws.WriteJSON(greeting); err != nil {
		ws.Close()

		return nil, fmt.Errorf("sending handshake: %w", err)
	}

	smuxCfg := smux.DefaultConfig()
	smuxCfg.Version = 2

	session, err := smux.Client(ws.UnderlyingConn(), smuxCfg)
	if err != nil {
		ws.Close()

		return nil, fmt.Errorf("starting multiplexed session: %w", err)
	}

	conn := &Conn{ID: c.ClientID, ws: ws, session: session}

	go watchSession(conn, listener)

	return conn, nil
}

// watchSession blocks until the smux session closes (peer hangup, network
// failure, or IsClosed after Conn.Close) and reports it to the pool so
// the slot can be removed instead of silently going stale.
func watchSession(conn *Conn, listener pool.Listener) {
	<-conn.session.CloseChan()
	listener.OnRemove()
}

// IsValid reports whether conn still looks usable. The pool never calls
// this itself (see pool.Connector); it exists for connector-aware
// Selector implementations that want to skip over sessions already
// reporting as closed.
func (c *Connector) IsValid(conn interface{}) bool {
	wsc, ok := conn.(*Conn)
	if !ok {
		return false
	}

	return !wsc.session.IsClosed()
}
