package wsconn

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/xtaci/smux"

	"golift.io/leasepool/pool"
)

// AcceptConnector is the server-side mirror of Connector. The server never
// dials out: a client pushes an already-upgraded websocket connection in
// through Push after completing the registration handshake, and the next
// pool.Pool slot waiting to open consumes it. This lets one pool.Pool per
// registered client reuse the same admission, queuing and eviction
// machinery the client side uses for outbound connections, with "connect"
// redefined as "wait for the client to hand us one."
type AcceptConnector struct {
	pending chan registration
}

// registration pairs an upgraded websocket connection with the
// MaxCapacity the client declared in its wire.Handshake.
type registration struct {
	ws          *websocket.Conn
	maxCapacity int
}

// NewAcceptConnector creates an AcceptConnector. backlog bounds how many
// registered-but-not-yet-claimed connections may queue before Push
// blocks; it should be at least the pool's MaxSize.
func NewAcceptConnector(backlog int) *AcceptConnector {
	return &AcceptConnector{pending: make(chan registration, backlog)}
}

// Push hands ws, and the MaxCapacity it declared at handshake, to the
// next (or a future) Connect call. It blocks if the backlog is full,
// which only happens if the server is accepting registrations faster
// than the pool can open slots for them.
func (a *AcceptConnector) Push(ws *websocket.Conn, maxCapacity int) {
	if maxCapacity < 1 {
		maxCapacity = 1
	}

	a.pending <- registration{ws: ws, maxCapacity: maxCapacity}
}

// Connect implements pool.Connector by waiting for a registered
// connection to arrive, or for ctx to expire.
func (a *AcceptConnector) Connect(ctx context.Context, listener pool.Listener, callback func(pool.ConnectResult, error)) {
	go func() {
		select {
		case reg := <-a.pending:
			conn, err := acceptSession(reg.ws, listener)
			if err != nil {
				callback(pool.ConnectResult{}, err)

				return
			}

			callback(pool.ConnectResult{Conn: conn, MaxCapacity: reg.maxCapacity, Weight: 1}, nil)
		case <-ctx.Done():
			callback(pool.ConnectResult{}, fmt.Errorf("waiting for a registered connection: %w", ctx.Err()))
		}
	}()
}

func acceptSession(ws *websocket.Conn, listener pool.Listener) (*Conn, error) {
	smuxCfg := smux.DefaultConfig()
	smuxCfg.Version = 2

	session, err := smux.Server(ws.UnderlyingConn(), smuxCfg)
	if err != nil {
		ws.Close()

		return nil, fmt.Errorf("accepting multiplexed session: %w", err)
	}

	conn := &Conn{ws: ws, session: session}

	go watchSession(conn, listener)

	return conn, nil
}

// IsValid reports whether conn still looks usable.
func (a *AcceptConnector) IsValid(conn interface{}) bool {
	wsc, ok := conn.(*Conn)
	if !ok {
		return false
	}

	return !wsc.session.IsClosed()
}
