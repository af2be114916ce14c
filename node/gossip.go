package node

import (
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/gossipnode/internal/telemetry"
	"github.com/maxpoletaev/gossipnode/wire"
)

// gossipRound sends a fresh gossip message to every reachable peer.
func (n *Node) gossipRound() {
	peers := n.peers.reachable()
	if len(peers) == 0 {
		level.Debug(n.logger).Log("msg", "no reachable peers to gossip with")
		return
	}

	msg := wire.NewRandomGossip(n.conf.Payload())

	if n.seen != nil {
		n.seen.Add([]byte(msg.Text))
	}

	var failed int

	for _, p := range peers {
		if err := p.conn.Send(msg); err != nil {
			level.Warn(n.logger).Log("msg", "failed to send gossip", "addr", p.addr, "err", err)
			failed++
		}
	}

	level.Debug(n.logger).Log("msg", "gossip sent", "text", msg.Text, "peers", len(peers), "failed", failed)
}

// receiveGossip hands the message to the delegate and, when relaying is
// enabled, forwards it to every reachable peer except the sender. With relay
// enabled, messages are identified by their text only: a text that is still
// in the backlog is dropped, even if it was sent anew by another origin.
func (n *Node) receiveGossip(c *Conn, msg *wire.RandomGossip) {
	from := c.peerAddr
	if from == "" {
		from = c.remote
	}

	if n.seen != nil && !n.seen.Add([]byte(msg.Text)) {
		level.Debug(c.logger).Log("msg", "dropping duplicate gossip", "from", from)
		return
	}

	level.Info(c.logger).Log("msg", "received gossip", "from", from, "text", msg.Text)

	if err := n.conf.Delegate.Receive(from, msg.Text); err != nil {
		level.Error(c.logger).Log("msg", "gossip delegate failed", "from", from, "err", err)
	}

	if n.seen == nil {
		return
	}

	var relayed int

	for _, p := range n.peers.reachable() {
		if p.conn == c || p.addr == from {
			continue
		}

		if err := p.conn.Send(msg); err != nil {
			level.Warn(n.logger).Log("msg", "failed to relay gossip", "addr", p.addr, "err", err)
			continue
		}

		relayed++
	}

	if relayed > 0 {
		telemetry.GossipRelayed.Inc()
	}

	level.Debug(c.logger).Log("msg", "gossip relayed", "from", from, "peers", relayed, "backlog", n.seen.Len())
}
