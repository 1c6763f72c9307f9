// Package wire holds the serializable message shapes exchanged between a
// leasepool client and server over an established transport: the initial
// handshake, and the HTTP request/response envelopes tunneled over it.
package wire

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// SecretKeyHeader is the HTTP header a client presents its shared secret
// in when registering a connection with the server.
const SecretKeyHeader = "x-secret-key"

// Custom HTTP status codes used to distinguish tunneling failures from
// upstream application errors.
const (
	ProxyErrorCode  = 526
	ClientErrorCode = 527
)

// Handshake is the first message a client sends after the transport
// upgrade completes. MaxCapacity tells the server how many concurrent
// requests this one connection can multiplex (see wsconn.Connector).
type Handshake struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MaxCapacity int    `json:"maxCapacity"`
	Compress    bool   `json:"compress"`
}

// Request is a serializable http.Request, trimmed to the fields that
// survive a proxy hop.
type Request struct {
	Method        string              `json:"method"`
	URL           string              `json:"url"`
	Header        map[string][]string `json:"header"`
	ContentLength int64               `json:"contentLength"`
	RemoteAddr    string              `json:"remoteAddr"`
	Host          string              `json:"host"`
	Proto         string              `json:"proto"`
	RequestURI    string              `json:"requestUri"`
}

// SerializeRequest builds a Request from an http.Request.
func SerializeRequest(req *http.Request) *Request {
	return &Request{
		Method:        req.Method,
		URL:           req.URL.String(),
		Header:        req.Header,
		ContentLength: req.ContentLength,
		RemoteAddr:    req.RemoteAddr,
		Host:          req.Host,
		Proto:         req.Proto,
		RequestURI:    req.RequestURI,
	}
}

// Deserialize rebuilds an http.Request from a Request envelope.
func (r *Request) Deserialize() (*http.Request, error) {
	parsed, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing tunneled request URL: %w", err)
	}

	return &http.Request{
		Method:        r.Method,
		Header:        r.Header,
		ContentLength: r.ContentLength,
		URL:           parsed,
		RemoteAddr:    r.RemoteAddr,
		Host:          r.Host,
		Proto:         r.Proto,
		RequestURI:    r.RequestURI,
	}, nil
}

// Response is a serializable http.Response, trimmed to the fields that
// survive a proxy hop.
type Response struct {
	StatusCode    int         `json:"statusCode"`
	Header        http.Header `json:"header"`
	ContentLength int64       `json:"contentLength"`
}

// SerializeResponse marshals resp into its wire envelope.
func SerializeResponse(resp *http.Response) []byte {
	body, _ := json.Marshal(&Response{ //nolint:errchkjson
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
	})

	return body
}

// NewResponse builds a minimal Response envelope, for error replies that
// never had a real upstream http.Response.
func NewResponse(code int, size int64) []byte {
	body, _ := json.Marshal(&Response{ //nolint:errchkjson
		Header:        make(http.Header),
		StatusCode:    code,
		ContentLength: size,
	})

	return body
}
