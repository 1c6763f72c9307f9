package server

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"golift.io/leasepool/pool"
	"golift.io/leasepool/wsconn"
)

// clientID identifies a registered client; all of its connections share
// one weighted pool.
type clientID string

// registry holds one pool.Pool per connected client, each backed by a
// wsconn.AcceptConnector that the HTTP /register handler feeds.
type registry struct {
	mu      sync.Mutex
	server  *Server
	clients map[clientID]*clientPool
}

type clientPool struct {
	id        clientID
	pool      *pool.Pool
	connector *wsconn.AcceptConnector
}

func newRegistry(server *Server) *registry {
	return &registry{server: server, clients: make(map[clientID]*clientPool)}
}

// hashedID applies the server's optional KeyValidator-derived secret to
// id, the same way the teacher's registerPool did: if a custom key
// validator returned a seed string, every client ID becomes a hash of
// that seed plus the client-provided ID, so operators can let clients
// pick their own ID without risking collisions.
func hashedID(id clientID, secret string) clientID {
	if secret == "" {
		return id
	}

	hash := sha256.New()
	hash.Write([]byte(secret + string(id)))

	return clientID(fmt.Sprintf("%x", hash.Sum(nil)))
}

// register adds a freshly upgraded, handshaked connection to id's pool,
// creating the pool if this is the first connection seen for id.
func (r *registry) register(id clientID, push func(*wsconn.AcceptConnector)) {
	r.mu.Lock()
	cp, ok := r.clients[id]

	if !ok {
		connector := wsconn.NewAcceptConnector(r.server.Config.MaxSize)
		cp = &clientPool{
			id:        id,
			connector: connector,
			pool: pool.New(pool.Config{
				MaxSize:        r.server.Config.MaxSize,
				MaxWeight:      r.server.Config.MaxSize,
				MaxWaiters:     r.server.Config.MaxWaiters,
				ConnectTimeout: r.server.Config.ConnectTimeout,
			}, connector),
		}
		r.clients[id] = cp

		if r.server.metrics != nil {
			r.server.metrics.Pools.Inc()
		}
	}
	r.mu.Unlock()

	push(cp.connector)

	if r.server.metrics != nil {
		r.server.metrics.Conns.Inc()
	}
}

func (r *registry) get(id clientID) (*clientPool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp, ok := r.clients[id]

	return cp, ok
}

// any returns one of the registered client pools, for requests that
// don't target a specific client id.
func (r *registry) any() (*clientPool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cp := range r.clients {
		return cp, true
	}

	return nil, false
}

// clean drops clients whose pool has gone idle-empty, so a client that
// disconnected and never came back doesn't linger in the registry.
func (r *registry) clean() (pools, conns int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, cp := range r.clients {
		if cp.pool.Size() == 0 && cp.pool.Waiters() == 0 {
			cp.pool.Close(func([]interface{}, error) {})
			delete(r.clients, id)

			continue
		}

		conns += cp.pool.Size()
	}

	return len(r.clients), conns
}

func (r *registry) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, cp := range r.clients {
		cp.pool.Close(func([]interface{}, error) {})
		delete(r.clients, id)
	}
}
