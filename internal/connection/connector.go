package connection

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Connector reaches the upstream IRC server over TCP.
type Connector struct {
	Host        string
	Port        int
	DialTimeout time.Duration // Per-address connect timeout; zero means no timeout

	ReconnectBaseWait time.Duration // Default: 1s
	ReconnectMaxWait  time.Duration // Default: 60s

	Resolver *net.Resolver // nil uses net.DefaultResolver
	Logger   *slog.Logger
}

// Addr returns host:port.
func (c *Connector) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Dial resolves the host and connects to the first address that answers.
// Failures are returned as *ConnectorError.
func (c *Connector) Dial(ctx context.Context) (net.Conn, error) {
	resolver := c.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	addrs, err := resolver.LookupIPAddr(ctx, c.Host)
	if err != nil {
		return nil, &ConnectorError{Op: "resolve", Addr: c.Addr(), Err: err}
	}
	if len(addrs) == 0 {
		return nil, &ConnectorError{Op: "resolve", Addr: c.Addr(), Err: ErrNoAddresses}
	}

	dialer := net.Dialer{Timeout: c.DialTimeout}
	port := strconv.Itoa(c.Port)

	var lastErr error
	for _, ip := range addrs {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
		if err == nil {
			c.logger().Debug("upstream connected", "addr", c.Addr(), "remote", conn.RemoteAddr())
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &ConnectorError{Op: "dial", Addr: c.Addr(), Err: lastErr}
}

// DialRetry calls Dial until it succeeds or ctx ends, waiting with
// exponential backoff between attempts.
func (c *Connector) DialRetry(ctx context.Context) (net.Conn, error) {
	wait := c.ReconnectBaseWait
	if wait <= 0 {
		wait = time.Second
	}
	maxWait := c.ReconnectMaxWait
	if maxWait <= 0 {
		maxWait = 60 * time.Second
	}

	for attempt := 1; ; attempt++ {
		conn, err := c.Dial(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		c.logger().Warn("upstream connect failed",
			"addr", c.Addr(),
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(wait):
		}

		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}
}

func (c *Connector) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
