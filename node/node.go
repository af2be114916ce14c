package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/maxpoletaev/gossipnode/internal/backlog"
	"github.com/maxpoletaev/gossipnode/internal/multierror"
	"github.com/maxpoletaev/gossipnode/internal/set"
	"github.com/maxpoletaev/gossipnode/internal/telemetry"
	"github.com/maxpoletaev/gossipnode/wire"
)

const (
	initialAcceptDelay = 10 * time.Millisecond
	maxAcceptDelay     = 1 * time.Second
)

// Node is a member of the gossip overlay. It accepts connections from other
// peers, discovers the rest of the overlay through the peer it was bootstrapped
// with, and periodically sends gossip to every peer it is connected to.
//
// All membership state is owned by a single event loop goroutine. Connections,
// dialers and public methods communicate with it by posting events into the
// node mailbox, so peer set changes are serialized without locks.
type Node struct {
	conf     Config
	logger   log.Logger
	dial     Dialer
	connOpts connOptions
	state    atomic.Int32
	connSeq  atomic.Uint64
	events   chan event

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error

	listener net.Listener
	self     string

	// Owned by the event loop.
	peers peerSet
	conns map[*Conn]struct{}
	seen  *backlog.Backlog
}

// New creates a node from the given configuration. The node does not bind any
// sockets until Start is called.
func New(conf Config) (*Node, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}

	if conf.Logger == nil {
		conf.Logger = log.NewNopLogger()
	}

	if conf.Delegate == nil {
		conf.Delegate = &NoopDelegate{}
	}

	dial := conf.Dialer
	if dial == nil {
		dial = tcpDialer
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		conf:   conf,
		logger: conf.Logger,
		dial:   dial,
		events: make(chan event, conf.MailboxSize),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(peerSet),
		conns:  make(map[*Conn]struct{}),
		connOpts: connOptions{
			queueSize:    conf.SendQueueSize,
			writeTimeout: conf.WriteTimeout,
			idleTimeout:  conf.idleTimeout(),
		},
	}

	if conf.Relay {
		n.seen = backlog.New(conf.RelayBacklog)
	}

	return n, nil
}

// Addr returns the listening address of the node. It is only known after Start.
func (n *Node) Addr() string {
	return n.self
}

// State returns the current lifecycle state.
func (n *Node) State() State {
	return State(n.state.Load())
}

func (n *Node) setState(s State) {
	n.state.Store(int32(s))
	level.Debug(n.logger).Log("msg", "state changed", "state", s)
}

// Start binds the listener, launches the event loop and, if a join address is
// configured, connects to the bootstrap peer and asks it for the peer list.
// If the bootstrap peer cannot be reached, the node is stopped and
// ErrBootstrapFailed is returned. The context only bounds the bootstrap.
// A Shutdown during the bootstrap makes Start return ErrStopped.
func (n *Node) Start(ctx context.Context) error {
	err := ErrAlreadyStarted

	n.startOnce.Do(func() {
		err = n.start(ctx)
	})

	return err
}

func (n *Node) start(ctx context.Context) error {
	listener, err := net.Listen("tcp", n.conf.BindAddr)
	if err != nil {
		n.setState(StateFailed)
		return fmt.Errorf("failed to listen on %s: %w", n.conf.BindAddr, err)
	}

	self, err := canonicalAddr(listener.Addr().String())
	if err != nil {
		_ = listener.Close()
		n.setState(StateFailed)
		return err
	}

	n.listener = listener
	n.self = self
	n.logger = log.With(n.logger, "self", self)

	n.group = new(errgroup.Group)
	n.group.Go(n.acceptLoop)
	n.group.Go(n.runLoop)

	if n.conf.JoinAddr == "" {
		n.setState(StateListening)
		level.Info(n.logger).Log("msg", "node started, waiting for incoming connections")

		return nil
	}

	joinAddr, err := canonicalAddr(n.conf.JoinAddr)
	if err != nil {
		n.setState(StateFailed)
		n.stop()

		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	n.setState(StateDialing)
	level.Info(n.logger).Log("msg", "node started, connecting to bootstrap peer", "addr", joinAddr)

	// The bootstrap is bounded by both the caller's context and the node
	// lifetime, so Shutdown interrupts a dial in progress.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopBootstrap := context.AfterFunc(n.ctx, cancel)
	defer stopBootstrap()

	raw, err := n.bootstrap(ctx, joinAddr)
	if err != nil {
		if n.ctx.Err() != nil {
			n.stop()
			return ErrStopped
		}

		n.setState(StateFailed)
		n.stop()

		return fmt.Errorf("%w: %s: %w", ErrBootstrapFailed, joinAddr, err)
	}

	if !n.open(n.newConn(raw, true, joinAddr)) {
		n.stop()
		return ErrStopped
	}

	n.setState(StateListening)

	return nil
}

// Shutdown stops accepting connections, closes every connection and waits for
// all background goroutines to exit. Once stopped, the node cannot be started
// again.
func (n *Node) Shutdown() error {
	// Cancel first: a concurrent Start holds startOnce until its bootstrap
	// returns, which only happens once the node context is done.
	n.cancel()
	n.startOnce.Do(func() {}) // prevent a late Start

	return n.stop()
}

func (n *Node) stop() error {
	n.stopOnce.Do(func() {
		errs := multierror.New[string]()

		n.cancel()

		if n.listener != nil {
			if err := n.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs.Add("listener", err)
			}
		}

		if n.group != nil {
			errs.Add("event loop", n.group.Wait())
		}

		n.wg.Wait()

		if n.State() != StateFailed {
			n.setState(StateStopped)
		}

		n.stopErr = errs.Combined()

		level.Info(n.logger).Log("msg", "node stopped")
	})

	return n.stopErr
}

// Peers returns a snapshot of the peer set, sorted by address.
func (n *Node) Peers(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)

	if !n.post(peersQuery{reply: reply}) {
		return nil, ErrStopped
	}

	select {
	case addrs := <-reply:
		return addrs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, ErrStopped
	}
}

// AddPeers merges externally discovered addresses into the peer set, the same
// way as a peer list received from another node.
func (n *Node) AddPeers(source string, addrs ...string) error {
	if !n.post(peersDiscovered{addrs: addrs, source: source}) {
		return ErrStopped
	}

	return nil
}

// post delivers the event to the event loop. It returns false if the node is
// shutting down.
func (n *Node) post(e event) bool {
	if n.ctx.Err() != nil {
		return false
	}

	select {
	case n.events <- e:
		return true
	case <-n.ctx.Done():
		return false
	}
}

func (n *Node) newConn(raw net.Conn, outbound bool, peerAddr string) *Conn {
	return newConn(n.connSeq.Add(1), raw, outbound, peerAddr, n.connOpts, n.logger, n.post)
}

// open hands a new connection over to the event loop. If the node is shutting
// down, the connection is closed instead.
func (n *Node) open(c *Conn) bool {
	if !n.post(connOpened{conn: c}) || n.ctx.Err() != nil {
		c.terminate(errShutdown)
		return false
	}

	return true
}

func (n *Node) acceptLoop() error {
	delay := initialAcceptDelay

	for {
		raw, err := n.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || n.ctx.Err() != nil {
				return nil
			}

			level.Error(n.logger).Log("msg", "failed to accept connection", "err", err)

			select {
			case <-time.After(delay):
			case <-n.ctx.Done():
				return nil
			}

			delay *= 2
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}

			continue
		}

		delay = initialAcceptDelay

		if !n.open(n.newConn(raw, false, "")) {
			return nil
		}
	}
}

func (n *Node) runLoop() error {
	ticker := time.NewTicker(n.conf.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-n.events:
			n.dispatch(e)
		case now := <-ticker.C:
			n.gossipRound()
			n.retryUnreachable(now)
		case <-n.ctx.Done():
			n.closeAll()
			n.drain()

			return nil
		}
	}
}

// drain closes connections that were handed over after the loop had stopped.
func (n *Node) drain() {
	for {
		select {
		case e := <-n.events:
			if ev, ok := e.(connOpened); ok {
				ev.conn.terminate(errShutdown)
			}
		default:
			return
		}
	}
}

func (n *Node) dispatch(e event) {
	switch ev := e.(type) {
	case connOpened:
		n.handleConnOpened(ev.conn)
	case frameReceived:
		n.handleFrame(ev.conn, ev.msg)
	case connClosed:
		n.handleConnClosed(ev.conn, ev.err)
	case dialFailed:
		n.handleDialFailed(ev.addr, ev.err)
	case peersDiscovered:
		n.mergePeers(ev.addrs, ev.source)
	case peersQuery:
		ev.reply <- n.peers.addrs()
	default:
		panic(fmt.Sprintf("unexpected event type %T", e))
	}

	telemetry.KnownPeers.Set(float64(len(n.peers)))
}

func (n *Node) handleConnOpened(c *Conn) {
	n.conns[c] = struct{}{}
	telemetry.ActiveConnections.Inc()

	c.start(n.ctx, &n.wg)

	if !c.outbound {
		level.Debug(c.logger).Log("msg", "accepted connection")
		return
	}

	p, _ := n.peers.add(c.peerAddr)
	p.dialing = false

	level.Info(c.logger).Log("msg", "connected to peer", "addr", c.peerAddr)

	n.requestPeers(c)
	n.attach(p, c)
}

func (n *Node) requestPeers(c *Conn) {
	if err := c.Send(&wire.PeerListRequest{ListenAddr: n.self}); err != nil {
		level.Warn(c.logger).Log("msg", "failed to request peer list", "addr", c.peerAddr, "err", err)
	}
}

// attach makes c the connection of the peer. Only one stream per peer is kept.
// When both sides dialed each other, both ends keep the stream dialed by the
// lower address. Otherwise the newest stream replaces the older ones.
func (n *Node) attach(p *remotePeer, c *Conn) {
	keep := c
	keepOutbound := n.self < p.addr

	for other := range n.conns {
		if other == c || other.peerAddr != p.addr || other.terminated() {
			continue
		}

		if other.outbound != c.outbound && other.outbound == keepOutbound {
			keep = other
		}
	}

	for other := range n.conns {
		if other == keep || other.peerAddr != p.addr || other.terminated() {
			continue
		}

		level.Debug(n.logger).Log(
			"msg", "closing duplicate connection",
			"addr", p.addr,
			"conn", other.id,
			"outbound", other.outbound,
		)

		other.terminate(ErrConnClosed)

		// The peer list request sent on the dropped stream may be lost.
		if other.outbound && !keep.outbound {
			n.requestPeers(keep)
		}
	}

	p.markConnected(keep)
}

func (n *Node) handleConnClosed(c *Conn, err error) {
	if _, ok := n.conns[c]; !ok {
		return
	}

	delete(n.conns, c)
	telemetry.ActiveConnections.Dec()

	reason := closeReason(err)
	telemetry.ConnectionsClosed.WithLabelValues(reason).Inc()

	lvl := level.Info
	if reason == "protocol" || reason == "queue_full" || reason == "io" {
		lvl = level.Warn
	}

	lvl(c.logger).Log("msg", "connection closed", "addr", c.peerAddr, "reason", reason, "err", err)

	if c.peerAddr == "" {
		return
	}

	p, ok := n.peers.get(c.peerAddr)
	if !ok || p.conn != c {
		return
	}

	// Another stream to the same peer may still be alive, e.g. when both
	// sides dialed each other at the same time.
	for other := range n.conns {
		if other.peerAddr == p.addr && !other.terminated() {
			p.conn = other
			return
		}
	}

	p.conn = nil
	if reason != "shutdown" && reason != "closed" {
		p.markFailed(time.Now())
	}
}

func (n *Node) handleDialFailed(addr string, err error) {
	telemetry.DialFailures.Inc()

	p, ok := n.peers.get(addr)
	if !ok {
		return
	}

	p.markFailed(time.Now())

	level.Warn(n.logger).Log(
		"msg", "failed to connect to peer",
		"addr", addr,
		"failures", p.failures,
		"err", err,
	)
}

func (n *Node) handleFrame(c *Conn, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.RandomGossip:
		n.receiveGossip(c, m)
	case *wire.PeerListRequest:
		n.answerPeerList(c, m)
	case *wire.PeerListResponse:
		n.mergePeers(m.Addrs.Values(), c.peerAddr)
	default:
		panic(fmt.Sprintf("unexpected message type %T", msg))
	}
}

// identify assigns the listening address announced by the peer to an inbound
// connection. Peers that do not announce one are known by the observed address.
func (n *Node) identify(c *Conn, announced string) string {
	if c.peerAddr != "" {
		return c.peerAddr
	}

	addr, err := canonicalAddr(announced)
	if err != nil || addr == n.self {
		if announced != "" {
			level.Warn(c.logger).Log("msg", "ignoring announced address", "addr", announced, "err", err)
		}

		if addr, err = canonicalAddr(c.remote); err != nil {
			return ""
		}
	}

	c.peerAddr = addr

	return addr
}

func (n *Node) answerPeerList(c *Conn, req *wire.PeerListRequest) {
	addr := n.identify(c, req.ListenAddr)

	if addr != "" && addr != n.self {
		p, added := n.peers.add(addr)
		if p.conn != c {
			n.attach(p, c)
		}

		if added {
			level.Info(c.logger).Log("msg", "peer joined", "addr", addr)
		}
	}

	// The stream was dropped in favor of another one to the same peer.
	if c.terminated() {
		return
	}

	addrs := set.New(n.peers.addrs()...)
	if addr != "" {
		addrs.Add(addr)
	}

	addrs.Remove(n.self)

	if err := c.Send(&wire.PeerListResponse{Addrs: addrs}); err != nil {
		level.Warn(c.logger).Log("msg", "failed to send peer list", "addr", addr, "err", err)
		return
	}

	level.Debug(c.logger).Log("msg", "sent peer list", "addr", addr, "peers", len(addrs))
}

// mergePeers adds previously unknown addresses to the peer set and dials each
// of them once.
func (n *Node) mergePeers(addrs []string, source string) {
	for _, raw := range addrs {
		addr, err := canonicalAddr(raw)
		if err != nil {
			level.Warn(n.logger).Log("msg", "skipping invalid peer address", "source", source, "err", err)
			continue
		}

		if addr == n.self {
			continue
		}

		p, added := n.peers.add(addr)
		if !added {
			continue
		}

		level.Info(n.logger).Log("msg", "discovered peer", "addr", addr, "source", source)

		n.dialAsync(p)
	}
}

// dialAsync connects to the peer in the background. The result is reported
// back to the event loop.
func (n *Node) dialAsync(p *remotePeer) {
	p.dialing = true
	addr := p.addr

	n.wg.Add(1)

	go func() {
		defer n.wg.Done()

		raw, err := n.dialTimeout(n.ctx, addr)
		if err != nil {
			n.post(dialFailed{addr: addr, err: err})
			return
		}

		n.open(n.newConn(raw, true, addr))
	}()
}

func (n *Node) retryUnreachable(now time.Time) {
	for _, p := range n.peers.dueForRetry(now, n.conf.RetryBackoff, n.conf.MaxRetryBackoff) {
		level.Debug(n.logger).Log("msg", "redialing unreachable peer", "addr", p.addr, "failures", p.failures)
		n.dialAsync(p)
	}
}

func (n *Node) closeAll() {
	for c := range n.conns {
		c.terminate(errShutdown)
		delete(n.conns, c)
		telemetry.ActiveConnections.Dec()
	}
}
