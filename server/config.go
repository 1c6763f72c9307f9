package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultPort           = 8080
	defaultMaxSize        = 50
	defaultMaxWaiters     = 200
	defaultConnectTimeout = 5 * time.Second
)

// Logger is the logging interface Server writes through. Leaving it nil
// disables all log output; use a *log.Logger-backed implementation, or
// any other logging library's adapter, to wire one in.
type Logger interface {
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Printf(string, ...interface{})
}

// Config configures a Server.
type Config struct {
	Host        string        `json:"host" toml:"host" yaml:"host" xml:"host"`
	Port        int           `json:"port" toml:"port" yaml:"port" xml:"port"`
	Timeout     time.Duration `json:"timeout" toml:"timeout" yaml:"timeout" xml:"timeout"`
	SecretKey   string        `json:"secretKey" toml:"secret_key" yaml:"secretkey" xml:"secret_key"`
	SSLCrtPath  string        `json:"sslCrtPath" toml:"ssl_crt_pah" yaml:"sslCrtPath" xml:"ssl_crt_path"`
	SSLKeyPath  string        `json:"sslKeyPath" toml:"ssl_key_path" yaml:"sslKeyPath" xml:"ssl_key_path"`
	// IDHeader sets the upstream header to parse for a remote client.
	// Default behavior is to send requests to clients randomly.
	IDHeader string `json:"idHeader" toml:"id_header" yaml:"idHeader" xml:"id_header"`
	// Upstreams lists the IPs or CIDRs allowed to make requests to clients.
	Upstreams []string `json:"upstreams" toml:"upstreams" yaml:"upstreams" xml:"upstreams"`
	// MaxSize is the per-client weighted pool's maximum standing
	// connection count.
	MaxSize int `json:"maxSize" toml:"max_size" yaml:"maxSize" xml:"max_size"`
	// MaxWaiters bounds how many proxied requests may queue per client
	// while every registered connection is busy.
	MaxWaiters int `json:"maxWaiters" toml:"max_waiters" yaml:"maxWaiters" xml:"max_waiters"`
	// ConnectTimeout bounds how long a proxied request waits for a
	// registered connection to become available before failing.
	ConnectTimeout time.Duration `json:"connectTimeout" toml:"connect_timeout" yaml:"connectTimeout" xml:"connect_timeout"`
	// If a KeyValidator method is provided, then SecretKey is ignored.
	KeyValidator func(context.Context, http.Header) (string, error) `json:"-" toml:"-" yaml:"-" xml:"-"`
	// Logger routes this package's log output. Nil disables logging.
	Logger `json:"-" toml:"-" yaml:"-" xml:"-"`
	// TLSConfig, if set, makes Start listen with TLS instead of plaintext.
	// An app wrapper populates this (e.g. from certmagic) before calling Start.
	TLSConfig *tls.Config `json:"-" toml:"-" yaml:"-" xml:"-"`
	// AccessLogFormat is an apache-logformat/v2 format string. When
	// AccessLogOutput is set, every route except /register is wrapped in an
	// access log using this format, or DefaultAccessLogFormat when it is
	// empty. Leave AccessLogOutput nil to disable access logging.
	AccessLogFormat string `json:"-" toml:"-" yaml:"-" xml:"-"`
	// AccessLogOutput receives one apache-format line per request.
	AccessLogOutput io.Writer `json:"-" toml:"-" yaml:"-" xml:"-"`
}

// DefaultAccessLogFormat is used when AccessLogFormat is unset but
// AccessLogOutput is set.
const DefaultAccessLogFormat = `%h %l %u %t "%r" %>s %b "%{Referer}i" "%{User-agent}i" %{ms}Tms`

// NewConfig creates a new Config with the teacher's defaults.
func NewConfig() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           defaultPort,
		Timeout:        time.Second,
		MaxSize:        defaultMaxSize,
		MaxWaiters:     defaultMaxWaiters,
		ConnectTimeout: defaultConnectTimeout,
	}
}

// AllowedIPs determines who may make requests.
type AllowedIPs struct {
	Input []string
	Nets  []*net.IPNet
}

var _ = fmt.Stringer(AllowedIPs{})

// String turns a list of allowedIPs into a printable masterpiece.
func (n AllowedIPs) String() string {
	if len(n.Nets) < 1 {
		return "(none)"
	}

	s := ""

	for i := range n.Nets {
		if s != "" {
			s += ", "
		}

		s += n.Nets[i].String()
	}

	return s
}

// Contains returns true if an IP is allowed.
func (n AllowedIPs) Contains(ip string) bool {
	ip = strings.Trim(ip[:strings.LastIndex(ip, ":")], "[]")

	for i := range n.Nets {
		if n.Nets[i].Contains(net.ParseIP(ip)) {
			return true
		}
	}

	return false
}

// MakeIPs turns a list of CIDR strings (or plain IPs) into a list of
// net.IPNet, later used to check incoming IPs from web requests.
func MakeIPs(upstreams []string) AllowedIPs {
	a := AllowedIPs{
		Input: make([]string, len(upstreams)),
		Nets:  []*net.IPNet{},
	}

	for idx, ipAddr := range upstreams {
		a.Input[idx] = ipAddr

		if !strings.Contains(ipAddr, "/") {
			if strings.Contains(ipAddr, ":") {
				ipAddr += "/128"
			} else {
				ipAddr += "/32"
			}
		}

		if _, i, err := net.ParseCIDR(ipAddr); err == nil {
			a.Nets = append(a.Nets, i)
		}
	}

	return a
}

func (s *Server) validateUpstream(next http.Handler) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		if !s.allow.Contains(req.RemoteAddr) {
			resp.WriteHeader(http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(resp, req)
	})
}
