package node

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// remotePeer is an entry of the peer set. Presence in the set does not mean
// the peer is reachable: conn is nil until a connection is established and
// after it is lost.
type remotePeer struct {
	addr    string
	conn    *Conn
	dialing bool

	// failedAt is the time of the last failed dial or lost connection, and
	// failures is the number of consecutive failures. Both are reset once
	// a connection is established.
	failedAt time.Time
	failures int
}

func (p *remotePeer) reachable() bool {
	return p.conn != nil
}

func (p *remotePeer) markConnected(conn *Conn) {
	p.conn = conn
	p.dialing = false
	p.failures = 0
	p.failedAt = time.Time{}
}

func (p *remotePeer) markFailed(now time.Time) {
	p.dialing = false
	p.failures++
	p.failedAt = now
}

// retryAfter returns the delay since the last failure after which the peer
// may be dialed again.
func (p *remotePeer) retryAfter(base, limit time.Duration) time.Duration {
	delay := base
	if limit > 0 && delay > limit {
		return limit
	}

	for i := 1; i < p.failures; i++ {
		delay *= 2

		if limit > 0 && delay >= limit {
			return limit
		}
	}

	return delay
}

// peerSet is the node's view of the overlay, keyed by canonical address.
// It is owned by the event loop and must not be shared.
type peerSet map[string]*remotePeer

func (ps peerSet) get(addr string) (*remotePeer, bool) {
	p, ok := ps[addr]
	return p, ok
}

// add returns the entry for the address, creating it if necessary.
func (ps peerSet) add(addr string) (*remotePeer, bool) {
	if p, ok := ps[addr]; ok {
		return p, false
	}

	p := &remotePeer{addr: addr}
	ps[addr] = p

	return p, true
}

// addrs returns all known addresses in ascending order.
func (ps peerSet) addrs() []string {
	addrs := maps.Keys(ps)
	slices.Sort(addrs)

	return addrs
}

// reachable returns the peers that currently have a connection.
func (ps peerSet) reachable() []*remotePeer {
	peers := make([]*remotePeer, 0, len(ps))

	for _, p := range ps {
		if p.reachable() {
			peers = append(peers, p)
		}
	}

	return peers
}

// dueForRetry returns unreachable peers whose backoff has expired.
func (ps peerSet) dueForRetry(now time.Time, base, limit time.Duration) []*remotePeer {
	if base <= 0 {
		return nil
	}

	var due []*remotePeer

	for _, p := range ps {
		if p.reachable() || p.dialing || p.failures == 0 {
			continue
		}

		if now.Sub(p.failedAt) >= p.retryAfter(base, limit) {
			due = append(due, p)
		}
	}

	return due
}

// canonicalAddr normalizes a host:port pair so that the same endpoint always
// maps to the same peer set key.
func canonicalAddr(addr string) (string, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid peer address %q: %w", addr, err)
	}

	if ap.Port() == 0 {
		return "", fmt.Errorf("invalid peer address %q: zero port", addr)
	}

	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String(), nil
}
