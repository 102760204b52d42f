package ssh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is the SSH transport implementation. It holds at most one
// connection; Connect on a live client verifies the connection and only
// redials when it is dead.
type Client struct {
	cfg *Config

	mu            sync.RWMutex
	conn          *ssh.Client
	connected     bool
	connectedAt   time.Time
	stopKeepalive chan struct{}
}

// NewClient creates a client for the given configuration.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{cfg: cfg}, nil
}

type dialResult struct {
	conn *ssh.Client
	err  error
}

// Connect establishes the SSH connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.conn != nil {
		if c.ping() == nil {
			return nil
		}
		log.Warn().Str("host", c.cfg.Host).Msg("Existing connection is dead, reconnecting")
		c.teardown()
	}

	clientConfig, err := c.cfg.clientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.cfg.Address()
	log.Debug().Str("address", address).Msg("Establishing SSH connection")

	resCh := make(chan dialResult, 1)
	go func() {
		conn, err := ssh.Dial("tcp", address, clientConfig)
		resCh <- dialResult{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// The dial may still succeed after cancellation; reap it.
			if res := <-resCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case res := <-resCh:
		if res.err != nil {
			auth := isAuthError(res.err)
			return &TransportError{Op: "connect", Err: res.err, IsTemporary: !auth, IsAuthError: auth}
		}

		c.conn = res.conn
		c.connected = true
		c.connectedAt = time.Now()
		if c.cfg.KeepAliveInterval > 0 {
			c.stopKeepalive = make(chan struct{})
			go c.keepAlive(c.stopKeepalive, res.conn)
		}

		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Disconnect closes the connection and releases all resources.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return nil
	}

	log.Debug().Str("host", c.cfg.Host).Msg("Closing SSH connection")

	err := c.closeConn()
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether the transport has an active connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// HealthCheck verifies the connection is alive by running a no-op command.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.conn == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}

	if err := c.ping(); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// ping runs a no-op command over a fresh session. Callers hold the lock.
func (c *Client) ping() error {
	session, err := c.conn.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run("true")
}

// teardown closes the connection without reporting errors. Callers hold
// the write lock.
func (c *Client) teardown() {
	_ = c.closeConn()
}

// closeConn closes the connection and stops keep-alive. Callers hold the
// write lock.
func (c *Client) closeConn() error {
	if c.stopKeepalive != nil {
		close(c.stopKeepalive)
		c.stopKeepalive = nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.connected = false
	return err
}

// keepAlive sends periodic keep-alive requests until stopped or the
// connection stops answering.
func (c *Client) keepAlive(stop chan struct{}, conn *ssh.Client) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				failures++
				log.Warn().Err(err).Int("failures", failures).Msg("Keep-alive failed")
				if failures >= c.cfg.MaxKeepAliveRetries {
					log.Error().Str("host", c.cfg.Host).Msg("Keep-alive gave up, connection presumed dead")
					return
				}
			} else {
				failures = 0
			}
		}
	}
}

// active returns the live connection for executor and transfer paths.
func (c *Client) active() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.conn == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return c.conn, nil
}

// isAuthError reports whether a dial failure was an authentication
// rejection rather than a transport problem.
func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}
