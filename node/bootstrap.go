package node

import (
	"context"
	"net"
	"time"

	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/gossipnode/internal/telemetry"
)

const maxJoinBackoff = 30 * time.Second

// bootstrap dials the join address, retrying with exponential backoff until
// the configured number of attempts is exhausted.
func (n *Node) bootstrap(ctx context.Context, addr string) (net.Conn, error) {
	backoff := n.conf.JoinBackoff

	for attempt := 1; ; attempt++ {
		conn, err := n.dialTimeout(ctx, addr)
		if err == nil {
			return conn, nil
		}

		telemetry.DialFailures.Inc()

		level.Warn(n.logger).Log(
			"msg", "failed to connect to bootstrap peer",
			"addr", addr,
			"attempt", attempt,
			"err", err,
		)

		if attempt >= n.conf.JoinAttempts {
			return nil, err
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-n.ctx.Done():
			return nil, ErrStopped
		}

		backoff *= 2
		if backoff > maxJoinBackoff {
			backoff = maxJoinBackoff
		}
	}
}

func (n *Node) dialTimeout(ctx context.Context, addr string) (net.Conn, error) {
	if n.conf.DialTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, n.conf.DialTimeout)
		defer cancel()
	}

	return n.dial(ctx, addr)
}
