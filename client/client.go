// Package client maintains outbound, multiplexed tunnel connections to
// one or more leasepool servers, using pool.Pool to decide when to open
// another connection, and to bound how many it keeps open at once.
package client

import (
	"context"
	"net/http"
	"time"
)

// Client connects to one or more servers using HTTP websockets,
// multiplexed with smux. Each server can then send HTTP requests down
// any connection for this client to execute locally.
type Client struct {
	*Config
	httpClient  *http.Client
	maintainers map[string]*maintainer
}

// NewClient creates a new Client.
func NewClient(config *Config) *Client {
	if config.Logger == nil {
		config.Logger = noLogs()
	}

	if config.MaxCapacity < 1 {
		config.MaxCapacity = DefaultMaxCapacity
	}

	if config.CleanInterval <= 0 {
		config.CleanInterval = time.Second
	}

	return &Client{
		Config:      config,
		httpClient:  &http.Client{},
		maintainers: make(map[string]*maintainer),
	}
}

// Start connects to every configured target and begins maintaining each
// target's pool at Config.PoolIdleSize.
func (c *Client) Start(ctx context.Context) {
	for _, target := range c.Config.Targets {
		m := newMaintainer(ctx, c, target)
		c.maintainers[target] = m
		m.start()
	}
}

// Shutdown closes every maintained pool's connections.
func (c *Client) Shutdown() {
	for _, m := range c.maintainers {
		m.shutdown()
	}
}

// Sizes reports, per target, the weighted pool's current slot count.
func (c *Client) Sizes() map[string]int {
	sizes := make(map[string]int, len(c.maintainers))

	for target, m := range c.maintainers {
		sizes[target] = m.pool.Size()
	}

	return sizes
}
