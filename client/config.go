package client

import (
	"fmt"
	"net/http"
	"time"

	uuid "github.com/gofrs/uuid/v5"
	"golift.io/cnfgfile"
)

const (
	DefaultMaxBackoff   = 30 * time.Second
	DefaultBackoffReset = 10 * time.Second
	DefaultPoolIdleSize = 10
	DefaultPoolMaxSize  = 100
	// DefaultMaxCapacity is how many concurrent requests one multiplexed
	// tunnel connection is willing to serve.
	DefaultMaxCapacity = 8
)

// Config is the required data to initialize a client proxy connection.
type Config struct {
	// Name is an optional client identifier. Only used in logs.
	Name string `json:"name" toml:"name" yaml:"name" xml:"name"`
	// ID is a required client identifier. All connections are pooled
	// using the ID, so make this unique if you don't want this client
	// pooled with another.
	ID string `json:"id" toml:"id" yaml:"id" xml:"id"`
	// Targets are the leasepool server registration URLs this client
	// maintains a pool of connections to.
	Targets []string `json:"targets" toml:"targets" yaml:"targets" xml:"targets"`
	// PoolIdleSize is the minimum count of standing connections to
	// maintain at all times, per target.
	PoolIdleSize int `json:"poolIdleSize" toml:"pool_idle_size" yaml:"poolIdleSize" xml:"pool_idle_size"`
	// PoolMaxSize is the maximum connections to keep per target.
	PoolMaxSize int `json:"poolMaxSize" toml:"pool_max_size" yaml:"poolMaxSize" xml:"pool_max_size"`
	// MaxCapacity is how many concurrent proxied requests one connection
	// multiplexes, via an smux session. The client declares it to the
	// server in each connection's handshake.
	MaxCapacity int `json:"maxCapacity" toml:"max_capacity" yaml:"maxCapacity" xml:"max_capacity"`
	// SecretKey is passed as a header to the server to "authenticate".
	SecretKey string `json:"secretKey" toml:"secret_key" yaml:"secretKey" xml:"secret_key"`
	// CleanInterval controls how often the maintainer tops the pool back
	// up to PoolIdleSize.
	CleanInterval time.Duration `json:"cleanInterval" toml:"clean_interval" yaml:"cleanInterval" xml:"clean_interval"`
	// Handler is an optional custom handler for all proxied requests.
	// Leaving this nil makes all requests use an empty http.Client.
	Handler func(http.ResponseWriter, *http.Request) `json:"-" toml:"-" yaml:"-" xml:"-"`
	// Logger allows routing logs from this package however you'd like.
	// If left nil, you get no logs. Use DefaultLogger to print to stdout.
	Logger `json:"-" toml:"-" yaml:"-" xml:"-"`
}

// NewConfig creates a new Config with the teacher's defaults.
func NewConfig() *Config {
	return &Config{
		Targets:       []string{"ws://127.0.0.1:8080/register"},
		PoolIdleSize:  DefaultPoolIdleSize,
		PoolMaxSize:   DefaultPoolMaxSize,
		MaxCapacity:   DefaultMaxCapacity,
		Logger:        &DefaultLogger{Silent: false},
		CleanInterval: time.Second,
	}
}

// LoadConfigFile reads a Config from path, generating a random ID if none
// was configured.
func LoadConfigFile(path string) (*Config, error) {
	config := NewConfig()

	if err := cnfgfile.Unmarshal(config, path); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if config.ID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("generating a client id: %w", err)
		}

		config.ID = id.String()
	}

	return config, nil
}
