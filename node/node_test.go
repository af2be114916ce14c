package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/gossipnode/internal/set"
	"github.com/maxpoletaev/gossipnode/wire"
)

func TestNew_InvalidConfig(t *testing.T) {
	tests := map[string]func(c *Config){
		"BadBindAddr":     func(c *Config) { c.BindAddr = "localhost:9001" },
		"BadJoinAddr":     func(c *Config) { c.JoinAddr = "127.0.0.1:port" },
		"JoinSelf":        func(c *Config) { c.BindAddr = "127.0.0.1:9001"; c.JoinAddr = "127.0.0.1:9001" },
		"ZeroInterval":    func(c *Config) { c.GossipInterval = 0 },
		"ZeroAttempts":    func(c *Config) { c.JoinAttempts = 0 },
		"NoPayload":       func(c *Config) { c.Payload = nil },
		"RelayNoBacklog":  func(c *Config) { c.Relay = true; c.RelayBacklog = 0 },
		"ZeroSendQueue":   func(c *Config) { c.SendQueueSize = 0 },
		"ZeroMailboxSize": func(c *Config) { c.MailboxSize = 0 },
	}

	for name, modify := range tests {
		t.Run(name, func(t *testing.T) {
			conf := testConfig(t)
			modify(&conf)

			_, err := New(conf)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNode_StartWithoutJoin(t *testing.T) {
	dialer := newCountingDialer()

	conf := testConfig(t)
	conf.Dialer = dialer.Dial

	n, err := New(conf)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, n.State())

	require.NoError(t, n.Start(context.Background()))
	defer n.Shutdown()

	assert.Equal(t, StateListening, n.State())
	assert.NotEmpty(t, n.Addr())
	assert.Empty(t, peersOf(t, n))
	assert.Equal(t, 0, dialer.Total())

	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)
}

func TestNode_StartBindFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	conf := testConfig(t)
	conf.BindAddr = listener.Addr().String()

	n, err := New(conf)
	require.NoError(t, err)

	require.Error(t, n.Start(context.Background()))
	assert.Equal(t, StateFailed, n.State())
	assert.NoError(t, n.Shutdown())
}

func TestNode_JoinRequestsPeersAndDialsDiscovered(t *testing.T) {
	var (
		addrA = "127.0.0.1:1"
		addrB = "127.0.0.1:2"
	)

	bootstrapAddr, accepted := listenFakePeer(t)
	dialer := newCountingDialer(addrA, addrB)

	conf := testConfig(t)
	conf.JoinAddr = bootstrapAddr
	conf.Dialer = dialer.Dial

	n := startNode(t, conf)
	assert.Equal(t, StateListening, n.State())

	var bootstrap *fakePeer
	select {
	case bootstrap = <-accepted:
	case <-time.After(waitTimeout):
		t.Fatal("bootstrap peer was not dialed")
	}

	req := bootstrap.expect(t)
	require.Equal(t, &wire.PeerListRequest{ListenAddr: n.Addr()}, req)

	// The response echoes the joining node back, which must be ignored.
	bootstrap.send(t, wire.NewPeerListResponse(addrA, addrB, n.Addr()))

	require.Eventually(t, func() bool {
		return dialer.Calls(addrA) == 1 && dialer.Calls(addrB) == 1
	}, waitTimeout, 10*time.Millisecond)

	peers := peersOf(t, n)
	assert.ElementsMatch(t, []string{bootstrapAddr, addrA, addrB}, peers)
	assert.NotContains(t, peers, n.Addr())

	// Exactly one request per connection, and no redials without retry backoff.
	bootstrap.expectNothing(t, 200*time.Millisecond)
	assert.Equal(t, 1, dialer.Calls(bootstrapAddr))
	assert.Equal(t, 1, dialer.Calls(addrA))
	assert.Equal(t, 1, dialer.Calls(addrB))
	assert.Equal(t, 0, dialer.Calls(n.Addr()))
}

func TestNode_BootstrapFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	deadAddr := listener.Addr().String()
	require.NoError(t, listener.Close())

	dialer := newCountingDialer(deadAddr)

	conf := testConfig(t)
	conf.JoinAddr = deadAddr
	conf.JoinAttempts = 2
	conf.Dialer = dialer.Dial

	n, err := New(conf)
	require.NoError(t, err)

	err = n.Start(context.Background())
	require.ErrorIs(t, err, ErrBootstrapFailed)
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, StateFailed, n.State())
	assert.Equal(t, 2, dialer.Calls(deadAddr))

	assert.NoError(t, n.Shutdown())
	assert.Equal(t, StateFailed, n.State())
}

func TestNode_BootstrapCancelled(t *testing.T) {
	dialer := newCountingDialer("127.0.0.1:1")

	conf := testConfig(t)
	conf.JoinAddr = "127.0.0.1:1"
	conf.JoinAttempts = 100
	conf.JoinBackoff = time.Hour
	conf.Dialer = dialer.Dial

	n, err := New(conf)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = n.Start(ctx)
	require.ErrorIs(t, err, ErrBootstrapFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, dialer.Calls("127.0.0.1:1"))
}

func TestNode_AnswersPeerListRequest(t *testing.T) {
	n := startNode(t, testConfig(t))

	c1 := dialFakePeer(t, n.Addr())
	resp := c1.identify(t, "127.0.0.1:7001")
	assert.Equal(t, set.New("127.0.0.1:7001"), resp.Addrs)

	c2 := dialFakePeer(t, n.Addr())
	resp = c2.identify(t, "127.0.0.1:7002")
	assert.Equal(t, set.New("127.0.0.1:7001", "127.0.0.1:7002"), resp.Addrs)

	assert.Equal(t, []string{"127.0.0.1:7001", "127.0.0.1:7002"}, peersOf(t, n))
}

func TestNode_AnswersAnonymousPeerListRequest(t *testing.T) {
	n := startNode(t, testConfig(t))

	c := dialFakePeer(t, n.Addr())
	observed := c.conn.LocalAddr().String()

	resp := c.identify(t, "")
	assert.Equal(t, set.New(observed), resp.Addrs)
	assert.Equal(t, []string{observed}, peersOf(t, n))
}

func TestNode_NeverAddsSelf(t *testing.T) {
	dialer := newCountingDialer("127.0.0.1:7005")

	conf := testConfig(t)
	conf.Dialer = dialer.Dial
	n := startNode(t, conf)

	// A peer announcing our own address is known by its observed address.
	c := dialFakePeer(t, n.Addr())
	resp := c.identify(t, n.Addr())
	assert.False(t, resp.Addrs.Has(n.Addr()))

	c.send(t, wire.NewPeerListResponse(n.Addr(), "127.0.0.1:7005", "not-an-address"))

	require.Eventually(t, func() bool {
		return dialer.Calls("127.0.0.1:7005") == 1
	}, waitTimeout, 10*time.Millisecond)

	peers := peersOf(t, n)
	assert.Contains(t, peers, "127.0.0.1:7005")
	assert.Contains(t, peers, c.conn.LocalAddr().String())
	assert.NotContains(t, peers, n.Addr())
	assert.Equal(t, 0, dialer.Calls(n.Addr()))
}

func TestNode_GossipsToEveryPeer(t *testing.T) {
	conf := testConfig(t)
	conf.GossipInterval = 50 * time.Millisecond
	conf.Payload = func() string { return "apple" }
	n := startNode(t, conf)

	c1 := dialFakePeer(t, n.Addr())
	c1.identify(t, "127.0.0.1:7001")

	c2 := dialFakePeer(t, n.Addr())
	c2.identify(t, "127.0.0.1:7002")

	assert.Equal(t, "apple", c1.expectGossip(t).Text)
	assert.Equal(t, "apple", c2.expectGossip(t).Text)
}

func TestNode_DeliversGossipToDelegate(t *testing.T) {
	delegate := &recordingDelegate{}

	conf := testConfig(t)
	conf.Delegate = delegate
	n := startNode(t, conf)

	c1 := dialFakePeer(t, n.Addr())
	c1.identify(t, "127.0.0.1:7001")

	c2 := dialFakePeer(t, n.Addr())
	c2.identify(t, "127.0.0.1:7002")

	c1.send(t, wire.NewRandomGossip("banana"))
	c1.send(t, wire.NewRandomGossip("banana"))

	require.Eventually(t, func() bool {
		return delegate.CountFrom("127.0.0.1:7001") == 2
	}, waitTimeout, 10*time.Millisecond)

	assert.Equal(t, gossipRecord{from: "127.0.0.1:7001", text: "banana"}, delegate.Received()[0])

	// Without relay, gossip is observed locally only.
	c2.expectNothing(t, 200*time.Millisecond)
}

func TestNode_Relay(t *testing.T) {
	delegate := &recordingDelegate{}

	conf := testConfig(t)
	conf.Relay = true
	conf.Delegate = delegate
	n := startNode(t, conf)

	c1 := dialFakePeer(t, n.Addr())
	c1.identify(t, "127.0.0.1:7001")

	c2 := dialFakePeer(t, n.Addr())
	c2.identify(t, "127.0.0.1:7002")

	c1.send(t, wire.NewRandomGossip("rumor"))
	assert.Equal(t, "rumor", c2.expectGossip(t).Text)

	// Duplicates are neither delivered nor relayed, and the sender never gets
	// its own message back.
	c1.send(t, wire.NewRandomGossip("rumor"))
	c2.send(t, wire.NewRandomGossip("rumor"))
	c2.expectNothing(t, 200*time.Millisecond)
	c1.expectNothing(t, 100*time.Millisecond)

	assert.Len(t, delegate.Received(), 1)
}

func TestNode_ProtocolErrorClosesOnlyOffendingConnection(t *testing.T) {
	conf := testConfig(t)
	conf.GossipInterval = 50 * time.Millisecond
	n := startNode(t, conf)

	c1 := dialFakePeer(t, n.Addr())
	c1.identify(t, "127.0.0.1:7001")

	c2 := dialFakePeer(t, n.Addr())
	c2.identify(t, "127.0.0.1:7002")

	c1.sendRaw(t, "BOGUS frame\r\n")
	c1.expectClosed(t)

	c2.expectGossip(t)
	c2.expectGossip(t)
	assert.Equal(t, StateListening, n.State())

	// The address stays in the peer set, only its connection is gone.
	assert.Contains(t, peersOf(t, n), "127.0.0.1:7001")

	c3 := dialFakePeer(t, n.Addr())
	c3.identify(t, "127.0.0.1:7003")
	c3.expectGossip(t)
}

func TestNode_SocketCloseDoesNotAffectOthers(t *testing.T) {
	conf := testConfig(t)
	conf.GossipInterval = 50 * time.Millisecond
	n := startNode(t, conf)

	c1 := dialFakePeer(t, n.Addr())
	c1.identify(t, "127.0.0.1:7001")

	c2 := dialFakePeer(t, n.Addr())
	c2.identify(t, "127.0.0.1:7002")

	require.NoError(t, c1.conn.Close())

	c2.expectGossip(t)
	c2.expectGossip(t)
	assert.Equal(t, StateListening, n.State())
	assert.ElementsMatch(t, []string{"127.0.0.1:7001", "127.0.0.1:7002"}, peersOf(t, n))
}

func TestNode_RedialsUnreachablePeer(t *testing.T) {
	dialer := newCountingDialer("127.0.0.1:1")

	conf := testConfig(t)
	conf.GossipInterval = 10 * time.Millisecond
	conf.RetryBackoff = 10 * time.Millisecond
	conf.MaxRetryBackoff = 20 * time.Millisecond
	conf.Dialer = dialer.Dial
	n := startNode(t, conf)

	require.NoError(t, n.AddPeers("test", "127.0.0.1:1"))

	require.Eventually(t, func() bool {
		return dialer.Calls("127.0.0.1:1") >= 3
	}, waitTimeout, 10*time.Millisecond)

	assert.Equal(t, []string{"127.0.0.1:1"}, peersOf(t, n))
}

func TestNode_ShutdownClosesConnections(t *testing.T) {
	conf := testConfig(t)
	n := startNode(t, conf)

	c1 := dialFakePeer(t, n.Addr())
	c1.identify(t, "127.0.0.1:7001")

	c2 := dialFakePeer(t, n.Addr())
	c2.identify(t, "")

	require.NoError(t, n.Shutdown())
	assert.Equal(t, StateStopped, n.State())

	c1.expectClosed(t)
	c2.expectClosed(t)

	_, err := n.Peers(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, n.AddPeers("test", "127.0.0.1:1"), ErrStopped)
	assert.NoError(t, n.Shutdown())

	_, err = net.DialTimeout("tcp", n.Addr(), time.Second)
	assert.Error(t, err)
}

func TestNode_ShutdownBeforeStart(t *testing.T) {
	n, err := New(testConfig(t))
	require.NoError(t, err)

	require.NoError(t, n.Shutdown())
	assert.Equal(t, StateStopped, n.State())
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)
}

func TestNode_ShutdownInterruptsBootstrap(t *testing.T) {
	dialer := newCountingDialer("127.0.0.1:1")

	conf := testConfig(t)
	conf.JoinAddr = "127.0.0.1:1"
	conf.JoinAttempts = 100
	conf.JoinBackoff = time.Hour
	conf.Dialer = dialer.Dial

	n, err := New(conf)
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() {
		started <- n.Start(context.Background())
	}()

	require.Eventually(t, func() bool {
		return dialer.Calls("127.0.0.1:1") == 1
	}, waitTimeout, 10*time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		stopped <- n.Shutdown()
	}()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatalf("shutdown blocked during bootstrap, state=%s", n.State())
	}

	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(waitTimeout):
		t.Fatal("start did not return after shutdown")
	}

	assert.Equal(t, StateStopped, n.State())
	assert.Equal(t, 1, dialer.Calls("127.0.0.1:1"))
}

func TestNode_RelayForgetsEvictedTexts(t *testing.T) {
	delegate := &recordingDelegate{}

	conf := testConfig(t)
	conf.Relay = true
	conf.RelayBacklog = 1
	conf.Delegate = delegate
	n := startNode(t, conf)

	c := dialFakePeer(t, n.Addr())
	c.identify(t, "127.0.0.1:7001")

	for _, text := range []string{"apple", "apple", "pear", "apple"} {
		c.send(t, wire.NewRandomGossip(text))
	}

	require.Eventually(t, func() bool {
		return len(delegate.Received()) == 3
	}, waitTimeout, 10*time.Millisecond)

	var texts []string
	for _, r := range delegate.Received() {
		texts = append(texts, r.text)
	}

	// The repeat within the backlog window is dropped, the one after eviction is not.
	assert.Equal(t, []string{"apple", "pear", "apple"}, texts)
}

func TestNode_KeepsOneStreamPerPeer(t *testing.T) {
	conf := testConfig(t)
	conf.GossipInterval = 50 * time.Millisecond
	n := startNode(t, conf)

	peerAddr, accepted := listenFakePeer(t)
	require.NoError(t, n.AddPeers("test", peerAddr))

	var outbound *fakePeer
	select {
	case outbound = <-accepted:
	case <-time.After(waitTimeout):
		t.Fatal("peer was not dialed")
	}

	require.Equal(t, &wire.PeerListRequest{ListenAddr: n.Addr()}, outbound.expect(t))

	// The same peer dials back, as if both sides discovered each other at once.
	inbound := dialFakePeer(t, n.Addr())
	inbound.send(t, &wire.PeerListRequest{ListenAddr: peerAddr})

	if n.Addr() < peerAddr {
		// The stream dialed by the lower address survives.
		inbound.expectClosed(t)
		outbound.expectGossip(t)
		outbound.expectGossip(t)
	} else {
		outbound.expectClosed(t)

		// The node asks for the peer list again on the surviving stream.
		var requested bool
		for !requested {
			_, requested = inbound.expect(t).(*wire.PeerListRequest)
		}

		inbound.expectGossip(t)
		inbound.expectGossip(t)
	}

	assert.Equal(t, []string{peerAddr}, peersOf(t, n))
}
