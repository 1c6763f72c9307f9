package server

import (
	"compress/flate"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golift.io/leasepool/pool"
	"golift.io/leasepool/wire"
	"golift.io/leasepool/wsconn"
)

// ProxyError logs err and returns an HTTP 526 (tunneling failure) or 401
// (registration failure) response.
func (s *Server) ProxyError(resp http.ResponseWriter, req *http.Request, err error, regFail string) {
	if s.Config.Logger != nil {
		if regFail != "" {
			s.Config.Logger.Errorf("[%s] registration failed: %v", req.RemoteAddr, err)
		} else {
			s.Config.Logger.Errorf("[%s] request failed: %v", req.RemoteAddr, err)
		}
	}

	if regFail != "" {
		if s.metrics != nil {
			s.metrics.RegFail.Add(1)
		}

		http.Error(resp, err.Error(), http.StatusUnauthorized)

		return
	}

	http.Error(resp, err.Error(), wire.ProxyErrorCode)
}

// HandleStats reports the size of one client's pool (or, with no id
// header configured, an error) as JSON.
func (s *Server) HandleStats(resp http.ResponseWriter, req *http.Request) {
	id, err := s.getClientID(req)
	if err != nil {
		http.Error(resp, err.Error(), http.StatusBadRequest)

		return
	}

	cp, ok := s.registry.get(id)
	if !ok {
		http.Error(resp, ErrNoProxyTarget.Error(), http.StatusNotFound)

		return
	}

	stats := struct {
		Size    int `json:"size"`
		Weight  int `json:"weight"`
		Waiters int `json:"waiters"`
	}{cp.pool.Size(), cp.pool.Weight(), cp.pool.Waiters()}

	if err := json.NewEncoder(resp).Encode(stats); err != nil {
		http.Error(resp, err.Error(), http.StatusInternalServerError)
	}
}

// HandleRequest proxies incoming HTTP requests to a registered client
// through that client's weighted pool. name defaults to "request" when
// empty; the returned handler records no metrics itself (Start wraps the
// /request/ route with Metrics.Wrap).
func (s *Server) HandleRequest(name string) http.HandlerFunc {
	if name == "" {
		name = "request"
	}

	return func(resp http.ResponseWriter, req *http.Request) {
		if dst := req.Header.Get("X-PROXY-DESTINATION"); dst != "" {
			parsed, err := url.Parse(dst)
			if err != nil {
				s.ProxyError(resp, req, fmt.Errorf("parsing X-PROXY-DESTINATION header: %w", err), "")

				return
			}

			req.URL = parsed
		}

		id, err := s.getClientID(req)
		if err != nil {
			s.ProxyError(resp, req, err, "")

			return
		}

		cp, ok := s.targetPool(id)
		if !ok {
			s.ProxyError(resp, req, fmt.Errorf("%w: %s", ErrNoProxyTarget, id), "")

			return
		}

		ctx, cancel := context.WithTimeout(req.Context(), s.Config.ConnectTimeout)
		defer cancel()

		lease, err := s.acquireSync(ctx, cp.pool)
		if err != nil {
			s.ProxyError(resp, req, fmt.Errorf("waiting for a free connection: %w", err), "")

			return
		}

		if err := s.proxyThroughLease(resp, req, lease); err != nil {
			s.ProxyError(resp, req, fmt.Errorf("tunneling failure: %w", err), "")
		}
	}
}

func (s *Server) targetPool(id clientID) (*clientPool, bool) {
	if id != "" {
		return s.registry.get(id)
	}

	return s.registry.any()
}

func (s *Server) acquireSync(ctx context.Context, p *pool.Pool) (*pool.Lease, error) {
	type result struct {
		lease *pool.Lease
		err   error
	}

	done := make(chan result, 1)

	p.Acquire(ctx, 1, func(lease *pool.Lease, err error) {
		done <- result{lease, err}
	})

	select {
	case r := <-done:
		return r.lease, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("acquiring a connection: %w", ctx.Err())
	}
}

// proxyThroughLease opens one multiplexed stream on lease's connection,
// forwards req down it, copies the response back to resp, and always
// recycles the lease (the connection itself, not the stream, is what the
// pool is tracking capacity for).
func (s *Server) proxyThroughLease(resp http.ResponseWriter, req *http.Request, lease *pool.Lease) error {
	defer lease.Recycle() //nolint:errcheck

	conn, ok := lease.Conn().(*wsconn.Conn)
	if !ok {
		return fmt.Errorf("%w: unexpected lease connection type", ErrInvalidData)
	}

	stream, err := conn.OpenStream()
	if err != nil {
		return fmt.Errorf("opening tunnel stream: %w", err)
	}
	defer stream.Close()

	envelope, err := json.Marshal(wire.SerializeRequest(req))
	if err != nil {
		return fmt.Errorf("serializing request: %w", err)
	}

	if _, err := stream.Write(envelope); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}

	if req.ContentLength > 0 {
		if _, err := io.CopyN(stream, req.Body, req.ContentLength); err != nil {
			return fmt.Errorf("copying request body: %w", err)
		}
	}

	decoder := json.NewDecoder(stream)

	var respEnvelope wire.Response
	if err := decoder.Decode(&respEnvelope); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	for header, values := range respEnvelope.Header {
		for _, value := range values {
			resp.Header().Add(header, value)
		}
	}

	resp.WriteHeader(respEnvelope.StatusCode)

	if respEnvelope.ContentLength > 0 {
		body := io.MultiReader(decoder.Buffered(), stream)
		if _, err := io.CopyN(resp, body, respEnvelope.ContentLength); err != nil {
			return fmt.Errorf("copying response body: %w", err)
		}
	}

	return nil
}

// HandleRegister upgrades the request to a websocket, completes the
// registration handshake, and hands the connection to that client's pool.
func (s *Server) HandleRegister() http.HandlerFunc {
	return func(resp http.ResponseWriter, req *http.Request) {
		secret, err := s.validateKey(req.Context(), req.Header)
		if err != nil {
			s.ProxyError(resp, req, err, "keyFailed")

			return
		}

		sock, err := s.upgrader.Upgrade(resp, req, nil)
		if err != nil {
			s.ProxyError(resp, req, fmt.Errorf("http upgrade failed: %w", err), "upgradeFailed")

			return
		}

		sock.EnableWriteCompression(true)
		_ = sock.SetCompressionLevel(flate.BestSpeed)

		var greeting wire.Handshake
		if err := sock.ReadJSON(&greeting); err != nil {
			s.ProxyError(resp, req, fmt.Errorf("reading handshake: %w", err), "greetingFailed")
			sock.Close()

			return
		}

		id := hashedID(clientID(greeting.ID), secret)

		s.registry.register(id, func(connector *wsconn.AcceptConnector) {
			connector.Push(sock, greeting.MaxCapacity)
		})

		if s.metrics != nil {
			s.metrics.Regs.Add(1)
		}
	}
}

func (s *Server) getClientID(req *http.Request) (clientID, error) {
	if s.Config.IDHeader == "" {
		return "", nil
	}

	id := req.Header.Get(s.Config.IDHeader)
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrNoClientID, s.Config.IDHeader)
	}

	return clientID(id), nil
}

// validateKey runs the configured KeyValidator, or the default shared
// secret comparison if none was provided.
func (s *Server) validateKey(ctx context.Context, header http.Header) (string, error) {
	if s.Config.KeyValidator != nil {
		secret, err := s.Config.KeyValidator(ctx, header)
		if err != nil {
			return "", fmt.Errorf("custom key validation failed: %w", err)
		}

		return secret, nil
	}

	if header.Get(wire.SecretKeyHeader) != s.Config.SecretKey {
		return "", ErrInvalidKey
	}

	return "", nil
}
