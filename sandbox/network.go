package sandbox

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// NetworkController accounts for outbound connections of one execution. It is
// advisory: real enforcement comes from the container's disabled network
// namespace or from OS sandboxing of the native child.
type NetworkController struct {
	logger  *zap.Logger
	max     int
	allowed []string
	blocked []string

	mu    sync.Mutex
	open  int
	total int
}

// NewNetworkController creates a controller with a ceiling on simultaneously open
// connections and domain allow/block lists. Patterns are exact host names or
// wildcards of the form "*.example.com".
func NewNetworkController(logger *zap.Logger, maxConnections int, allowed, blocked []string) *NetworkController {
	return &NetworkController{
		logger:  logger,
		max:     maxConnections,
		allowed: append([]string(nil), allowed...),
		blocked: append([]string(nil), blocked...),
	}
}

// CheckNetworkAccess reserves a connection slot for host:port. Priority order:
//  1. ceiling reached: deny
//  2. host matches a blocked pattern: deny
//  3. an allow-list exists and host does not match it: deny
//  4. otherwise count the connection and allow
func (c *NetworkController) CheckNetworkAccess(host string, port int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open >= c.max {
		c.logger.Debug("network access denied: connection ceiling reached",
			zap.String("host", host), zap.Int("port", port), zap.Int("max", c.max))
		return false
	}
	for _, pattern := range c.blocked {
		if matchesDomain(host, pattern) {
			c.logger.Debug("network access denied: blocked host", zap.String("host", host), zap.Int("port", port))
			return false
		}
	}
	if len(c.allowed) > 0 {
		allowed := false
		for _, pattern := range c.allowed {
			if matchesDomain(host, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			c.logger.Debug("network access denied: host not allowed", zap.String("host", host), zap.Int("port", port))
			return false
		}
	}

	c.open++
	c.total++
	return true
}

// ReleaseConnection frees the slot of a closed connection
func (c *NetworkController) ReleaseConnection(host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open > 0 {
		c.open--
	}
	c.logger.Debug("network connection released", zap.String("host", host), zap.Int("port", port), zap.Int("open", c.open))
}

// ResetCount clears the counters at the start of an execution
func (c *NetworkController) ResetCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = 0
	c.total = 0
}

// OpenConnections returns the number of connections currently holding a slot
func (c *NetworkController) OpenConnections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// TotalConnections returns the number of connections granted since the last reset
func (c *NetworkController) TotalConnections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// DialContext dials address only when CheckNetworkAccess grants it. Closing the
// returned connection releases its slot.
func (c *NetworkController) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %w", address, err)
	}

	if !c.CheckNetworkAccess(host, port) {
		return nil, &SecurityViolationError{Op: "dial " + address, Reason: "network access denied"}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		c.ReleaseConnection(host, port)
		return nil, err
	}
	return &trackedConn{Conn: conn, release: func() { c.ReleaseConnection(host, port) }}, nil
}

type trackedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (t *trackedConn) Close() error {
	err := t.Conn.Close()
	t.once.Do(t.release)
	return err
}

// matchesDomain checks if hostname matches a domain pattern.
// *.example.com matches sub.example.com but NOT example.com itself.
// Matching is case-insensitive.
func matchesDomain(hostname, pattern string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))

	if !strings.HasPrefix(pattern, "*.") {
		return hostname == pattern
	}

	suffix := pattern[1:]
	return len(hostname) > len(suffix) && strings.HasSuffix(hostname, suffix)
}
