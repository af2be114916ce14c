package node

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/go-kit/log"
)

// Dialer opens an outbound stream to a peer.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// PayloadFunc supplies the text of the next gossip message.
type PayloadFunc func() string

type Config struct {
	// BindAddr is the TCP address to accept peer connections on. It also serves
	// as the identity of the node. Port 0 picks a random free port, which is then
	// reported by Node.Addr.
	BindAddr string

	// JoinAddr is the address of a bootstrap peer. If empty, the node starts a
	// new overlay and waits for others to connect.
	JoinAddr string

	// JoinAttempts is the number of times the bootstrap peer is dialed before
	// giving up. JoinBackoff is the delay before the second attempt, doubled
	// after each failure.
	JoinAttempts int
	JoinBackoff  time.Duration

	// GossipInterval is how often a gossip message is sent to every peer.
	GossipInterval time.Duration

	// Payload generates the gossip text on every round.
	Payload PayloadFunc

	// Delegate receives gossip from other peers.
	Delegate Delegate

	// Relay enables re-broadcasting of received gossip to all other peers.
	// Duplicates are detected by the digest of the text, RelayBacklog is the
	// number of recent digests to remember. A text repeated within that window
	// is treated as a duplicate and is not passed to the Delegate, so payloads
	// should be unique when relay is on.
	Relay        bool
	RelayBacklog int

	// RetryBackoff is the delay before redialing a peer that became unreachable.
	// It doubles with every consecutive failure up to MaxRetryBackoff. Zero
	// disables redialing.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// IdleTimeout closes connections that have not sent anything for the given
	// duration. It is raised to at least three gossip intervals. Zero disables it.
	IdleTimeout time.Duration

	// SendQueueSize is the number of outbound frames buffered per connection.
	// A connection whose queue overflows is closed.
	SendQueueSize int

	// MailboxSize is the capacity of the node's event queue.
	MailboxSize int

	// Dialer is used for all outbound connections. Defaults to a TCP dialer.
	Dialer Dialer

	// Logger is go-kit logger. If not provided, the node is silent.
	Logger log.Logger
}

// DefaultConfig creates a Config with reasonable default values.
func DefaultConfig() Config {
	return Config{
		BindAddr:        "127.0.0.1:0",
		JoinAttempts:    3,
		JoinBackoff:     1 * time.Second,
		GossipInterval:  5 * time.Second,
		Payload:         func() string { return "hello" },
		Delegate:        &NoopDelegate{},
		RelayBacklog:    1024,
		RetryBackoff:    1 * time.Second,
		MaxRetryBackoff: 1 * time.Minute,
		DialTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		IdleTimeout:     1 * time.Minute,
		SendQueueSize:   64,
		MailboxSize:     256,
		Logger:          log.NewNopLogger(),
	}
}

func (c *Config) validate() error {
	bindAddr, err := netip.ParseAddrPort(c.BindAddr)
	if err != nil {
		return fmt.Errorf("%w: bind address: %v", ErrInvalidConfig, err)
	}

	if c.JoinAddr != "" {
		joinAddr, err := netip.ParseAddrPort(c.JoinAddr)
		if err != nil {
			return fmt.Errorf("%w: join address: %v", ErrInvalidConfig, err)
		}

		if joinAddr == bindAddr {
			return fmt.Errorf("%w: cannot join self (%s)", ErrInvalidConfig, joinAddr)
		}
	}

	switch {
	case c.GossipInterval <= 0:
		return fmt.Errorf("%w: gossip interval must be positive", ErrInvalidConfig)
	case c.JoinAttempts <= 0:
		return fmt.Errorf("%w: join attempts must be positive", ErrInvalidConfig)
	case c.SendQueueSize <= 0:
		return fmt.Errorf("%w: send queue size must be positive", ErrInvalidConfig)
	case c.MailboxSize <= 0:
		return fmt.Errorf("%w: mailbox size must be positive", ErrInvalidConfig)
	case c.Relay && c.RelayBacklog <= 0:
		return fmt.Errorf("%w: relay backlog must be positive", ErrInvalidConfig)
	case c.Payload == nil:
		return fmt.Errorf("%w: payload function is required", ErrInvalidConfig)
	}

	return nil
}

func (c *Config) idleTimeout() time.Duration {
	if c.IdleTimeout <= 0 {
		return 0
	}

	if floor := 3 * c.GossipInterval; c.IdleTimeout < floor {
		return floor
	}

	return c.IdleTimeout
}

func tcpDialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}
