// Package leasepool provides an application wrapper around the
// leasepool/server module: config loading, TLS, and log setup, wired
// together the way a standalone binary needs them.
// Use it as-is, or as a template for your own server wrapper.
package leasepool

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/cloudflare"
	"golift.io/cnfgfile"

	"golift.io/leasepool/server"
	"golift.io/leasepool/wire"
)

const secretKeyHeader = wire.SecretKeyHeader

// splitListenAddr turns a "host:port" listen address into the Host/Port
// pair server.Config expects; an unparsable address or port sets Port to
// -1, which server.Server reports as a bind failure rather than silently
// falling back to a default.
func splitListenAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, -1
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, -1
	}

	return host, port
}

// Config is the input data to run this app, read from a config file.
type Config struct {
	ListenAddr string `json:"listenAddr" toml:"listen_addr" yaml:"listenAddr" xml:"listen_addr"`
	AuthURL    string `json:"authUrl" toml:"auth_url" yaml:"authUrl" xml:"auth_url"`
	AuthHeader string `json:"authHeader" toml:"auth_header" yaml:"authHeader" xml:"auth_header"`
	// LogHeaders puts these request headers into the apache log output.
	LogHeaders map[string]string `json:"logHeaders" toml:"log_headers" yaml:"logHeaders" xml:"log_headers"`
	// CacheDir is where SSL certificates are stored.
	CacheDir string `json:"cacheDir" toml:"cache_dir" yaml:"cacheDir" xml:"cache_dir"`
	// CFToken creates DNS entries to validate SSL certs for acme.
	CFToken string `json:"cfToken" toml:"cf_token"  yaml:"cfToken" xml:"cf_token"`
	// Email is used for acme certificate registration.
	Email string `json:"email" toml:"email" yaml:"email" xml:"email"`
	// SSLNames are the DNS names we're allowed to create SSL certificates for.
	SSLNames StringSlice `json:"sslNames" toml:"ssl_names" yaml:"sslNames" xml:"ssl_names"`
	// LogFile is the path to the app log file.
	LogFile string `json:"logFile" toml:"log_file" yaml:"logFile" xml:"log_file"`
	// LogFiles is the number of log files to keep when rotating.
	LogFiles int `json:"logFiles" toml:"log_files" yaml:"logFiles" xml:"log_files"`
	// LogFileMB rotates the log file when it reaches this many megabytes.
	LogFileMB int64 `json:"logFileMb" toml:"log_file_mb" yaml:"logFileMb" xml:"log_file_mb"`
	// HTTPLog is the path for the apache-format http log.
	HTTPLog string `json:"httpLog" toml:"http_log" yaml:"httpLog" xml:"http_log"`
	// HTTPLogs is the number of http log files to keep when rotating.
	HTTPLogs int `json:"httpLogs" toml:"http_logs" yaml:"httpLogs" xml:"http_logs"`
	// HTTPLogMB rotates the http log file when it reaches this many megabytes.
	HTTPLogMB int64 `json:"httpLogMb" toml:"http_log_mb" yaml:"httpLogMb" xml:"http_log_mb"`
	*server.Config

	srv     *server.Server
	client  *http.Client
	log     *log.Logger
	httpLog *log.Logger
}

// StringSlice is a []string with a Contains helper, used for SSLNames.
type StringSlice []string

func (s StringSlice) Contains(str string) bool {
	for _, v := range s {
		if v == str {
			return true
		}
	}

	return false
}

var ErrInvalidKey = fmt.Errorf("provided key is not authorized")

const keyLen = 36

// LoadConfigFile reads app configuration from path.
func LoadConfigFile(path string) (*Config, error) {
	config := &Config{
		Config: server.NewConfig(),
		client: &http.Client{},
	}
	config.Config.Logger = config

	if err := cnfgfile.Unmarshal(config, path); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if config.AuthURL != "" {
		config.Config.KeyValidator = config.KeyValidator
	}

	return config, nil
}

// Start sets up TLS and access logging, then starts the proxy server.
func (c *Config) Start() {
	if c.log == nil {
		c.SetupLogs()
	}

	c.PrintConfig()

	if c.CacheDir != "" && len(c.SSLNames) > 0 && c.CFToken != "" {
		certmagic.DefaultACME.Email = c.Email
		certmagic.DefaultACME.Agreed = true
		certmagic.Default.Storage = &certmagic.FileStorage{Path: c.CacheDir}
		certmagic.DefaultACME.DNS01Solver = &certmagic.DNS01Solver{
			DNSProvider: &cloudflare.Provider{APIToken: c.CFToken},
		}

		tlsConfig, err := certmagic.TLS(c.SSLNames)
		if err != nil {
			log.Fatalln("CertMagic TLS config failed:", err)
		}

		c.Config.TLSConfig = tlsConfig
	}

	c.Config.AccessLogFormat = c.ApacheLogFormat()
	c.Config.AccessLogOutput = c.httpLog.Writer()
	c.Config.Host, c.Config.Port = splitListenAddr(c.ListenAddr)

	c.srv = server.NewServer(c.Config)
	c.srv.Start()
}

// Shutdown stops the app's server and every client pool it holds.
func (c *Config) Shutdown() {
	c.srv.Shutdown()
}

// KeyValidator validates client secret keys against an nginx auth proxy.
func (c *Config) KeyValidator(ctx context.Context, header http.Header) (string, error) {
	key := header.Get(secretKeyHeader)
	if key == "" || len(key) != keyLen {
		return "", fmt.Errorf("%w: keyLen: %d!=%d", ErrInvalidKey, len(key), keyLen)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.AuthURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating auth proxy request: %w", err)
	}

	req.Header.Add(c.AuthHeader, key)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("connecting to auth proxy: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body) // drain so the connection is reusable.

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status: %s", ErrInvalidKey, resp.Status)
	}

	return key, nil
}
