package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/xtaci/smux"

	"golift.io/leasepool/pool"
	"golift.io/leasepool/wire"
	"golift.io/leasepool/wsconn"
)

// maintainer keeps a pool.Pool of standing, multiplexed connections to
// one target open at Config.PoolIdleSize. Unlike a demand-driven caller,
// it never recycles a lease: a lease's whole lifetime, from Acquire until
// the connector's Listener reports the slot removed, IS the connection
// being in service. When a slot disappears, the next tick's Acquire call
// simply opens a replacement.
type maintainer struct {
	client *Client
	target string
	pool   *pool.Pool

	ctx    context.Context
	cancel context.CancelFunc
}

func newMaintainer(ctx context.Context, c *Client, target string) *maintainer {
	ctx, cancel := context.WithCancel(ctx)

	connector := wsconn.NewConnector(target, c.Config.SecretKey, c.Config.ID, c.Config.Name, c.Config.MaxCapacity)

	p := pool.New(pool.Config{
		MaxSize:    c.Config.PoolMaxSize,
		MaxWeight:  c.Config.PoolMaxSize,
		MaxWaiters: c.Config.PoolMaxSize,
	}, connector)

	// Never bind a new Acquire to spare capacity on an existing slot: each
	// lease stands for one whole connection, so every Acquire opens its own.
	p.ConnectionSelector(func(int, []pool.Candidate) *pool.Candidate { return nil })

	return &maintainer{client: c, target: target, pool: p, ctx: ctx, cancel: cancel}
}

func (m *maintainer) start() {
	m.topUp()

	go func() {
		ticker := time.NewTicker(m.client.Config.CleanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.topUp()
			}
		}
	}()
}

// topUp acquires enough new standing connections to bring the pool up to
// PoolIdleSize, capped by PoolMaxSize. Each successful acquire spawns a
// goroutine that serves streams off that connection until it dies.
func (m *maintainer) topUp() {
	deficit := m.client.Config.PoolIdleSize - m.pool.Size()
	if deficit <= 0 {
		return
	}

	for i := 0; i < deficit; i++ {
		m.pool.Acquire(m.ctx, 1, func(lease *pool.Lease, err error) {
			if err != nil {
				m.client.Errorf("maintaining connection to %s: %v", m.target, err)

				return
			}

			go m.serve(lease)
		})
	}
}

// serve runs for the lifetime of one standing connection: it repeatedly
// accepts a multiplexed stream carrying one proxied HTTP request and
// handles it. It returns (and lets the connection's lease simply dangle,
// to be cleaned up when the connector reports removal) once the session
// can no longer accept streams.
func (m *maintainer) serve(lease *pool.Lease) {
	conn, ok := lease.Conn().(*wsconn.Conn)
	if !ok {
		return
	}

	for {
		stream, err := conn.AcceptStream()
		if err != nil {
			return
		}

		go m.handleStream(stream)
	}
}

func (m *maintainer) handleStream(stream *smux.Stream) {
	defer stream.Close()

	var envelope wire.Request

	decoder := json.NewDecoder(stream)
	if err := decoder.Decode(&envelope); err != nil {
		m.client.Errorf("decoding tunneled request: %v", err)

		return
	}

	req, err := envelope.Deserialize()
	if err != nil {
		m.client.Errorf("rebuilding tunneled request: %v", err)
		m.writeError(stream, err)

		return
	}

	req = req.WithContext(m.ctx)

	body := io.Reader(io.MultiReader(decoder.Buffered(), stream))
	if envelope.ContentLength > 0 {
		body = io.LimitReader(body, envelope.ContentLength)
	}

	req.Body = io.NopCloser(body)

	if m.client.Config.Handler != nil {
		m.handleCustom(stream, req)

		return
	}

	m.client.Printf("%s %s %s", m.client.Config.ID, req.Method, req.URL.String())
	m.handleDefault(stream, req)
}

func (m *maintainer) handleDefault(stream *smux.Stream, req *http.Request) {
	resp, err := m.client.httpClient.Do(req)
	if err != nil {
		m.client.Errorf("executing tunneled request: %v", err)
		m.writeError(stream, err)

		return
	}
	defer resp.Body.Close()

	if _, err := stream.Write(wire.SerializeResponse(resp)); err != nil {
		m.client.Errorf("writing tunneled response: %v", err)

		return
	}

	if resp.ContentLength > 0 {
		if _, err := io.CopyN(stream, resp.Body, resp.ContentLength); err != nil {
			m.client.Errorf("piping tunneled response body: %v", err)
		}
	}
}

// handleCustom adapts the configured http.Handler-style function to the
// stream, so callers can plug in their own request handling without
// knowing anything about tunneling.
func (m *maintainer) handleCustom(stream *smux.Stream, req *http.Request) {
	writer := &streamResponseWriter{stream: stream, header: make(http.Header)}
	m.client.Config.Handler(writer, req)
	writer.flush()
}

func (m *maintainer) writeError(stream *smux.Stream, err error) {
	msg := err.Error()
	_, _ = stream.Write(wire.NewResponse(wire.ClientErrorCode, int64(len(msg))))
	_, _ = stream.Write([]byte(msg))
}

func (m *maintainer) shutdown() {
	m.cancel()
	m.pool.Close(func([]interface{}, error) {})
}

// streamResponseWriter adapts an smux.Stream to http.ResponseWriter,
// writing the wire.Response envelope on first write the way the default
// handler does it directly.
type streamResponseWriter struct {
	stream      *smux.Stream
	header      http.Header
	wroteHeader bool
	statusCode  int
}

func (w *streamResponseWriter) Header() http.Header {
	return w.header
}

func (w *streamResponseWriter) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}

	w.wroteHeader = true
	w.statusCode = statusCode

	length, _ := strconv.ParseInt(w.header.Get("Content-Length"), 10, 64)
	body, _ := json.Marshal(&wire.Response{ //nolint:errchkjson
		StatusCode:    statusCode,
		Header:        w.header,
		ContentLength: length,
	})
	_, _ = w.stream.Write(body)
}

func (w *streamResponseWriter) Write(data []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	n, err := w.stream.Write(data)
	if err != nil {
		return n, fmt.Errorf("writing tunneled response body: %w", err)
	}

	return n, nil
}

func (w *streamResponseWriter) flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
}
