package node

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/gossipnode/wire"
)

const waitTimeout = 5 * time.Second

var errRefused = errors.New("connection refused by test dialer")

func testConfig(t *testing.T) Config {
	conf := DefaultConfig()
	conf.BindAddr = "127.0.0.1:0"
	conf.GossipInterval = time.Hour
	conf.RetryBackoff = 0
	conf.JoinBackoff = 10 * time.Millisecond
	conf.DialTimeout = time.Second
	conf.Logger = log.With(log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout)), "test", t.Name())

	return conf
}

func startNode(t *testing.T, conf Config) *Node {
	t.Helper()

	n, err := New(conf)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	t.Cleanup(func() {
		_ = n.Shutdown()
	})

	return n
}

func peersOf(t *testing.T, n *Node) []string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	peers, err := n.Peers(ctx)
	require.NoError(t, err)

	return peers
}

type gossipRecord struct {
	from string
	text string
}

type recordingDelegate struct {
	mut      sync.Mutex
	received []gossipRecord
}

func (d *recordingDelegate) Receive(from, text string) error {
	d.mut.Lock()
	d.received = append(d.received, gossipRecord{from: from, text: text})
	d.mut.Unlock()

	return nil
}

func (d *recordingDelegate) Received() []gossipRecord {
	d.mut.Lock()
	defer d.mut.Unlock()

	received := make([]gossipRecord, len(d.received))
	copy(received, d.received)

	return received
}

func (d *recordingDelegate) CountFrom(addr string) int {
	var count int

	for _, r := range d.Received() {
		if r.from == addr {
			count++
		}
	}

	return count
}

// countingDialer records every dial attempt. Addresses in refuse fail
// immediately, everything else is dialed over TCP.
type countingDialer struct {
	mut    sync.Mutex
	calls  map[string]int
	refuse map[string]bool
}

func newCountingDialer(refuse ...string) *countingDialer {
	d := &countingDialer{
		calls:  make(map[string]int),
		refuse: make(map[string]bool),
	}

	for _, addr := range refuse {
		d.refuse[addr] = true
	}

	return d
}

func (d *countingDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d.mut.Lock()
	d.calls[addr]++
	refuse := d.refuse[addr]
	d.mut.Unlock()

	if refuse {
		return nil, errRefused
	}

	return tcpDialer(ctx, addr)
}

func (d *countingDialer) Calls(addr string) int {
	d.mut.Lock()
	defer d.mut.Unlock()

	return d.calls[addr]
}

func (d *countingDialer) Total() int {
	d.mut.Lock()
	defer d.mut.Unlock()

	var total int
	for _, n := range d.calls {
		total += n
	}

	return total
}

// fakePeer is a raw protocol endpoint used to drive a node from tests.
type fakePeer struct {
	conn net.Conn
	dec  wire.Decoder
	buf  []byte
}

func newFakePeer(t *testing.T, conn net.Conn) *fakePeer {
	t.Cleanup(func() {
		_ = conn.Close()
	})

	return &fakePeer{conn: conn, buf: make([]byte, 4096)}
}

func dialFakePeer(t *testing.T, addr string) *fakePeer {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, waitTimeout)
	require.NoError(t, err)

	return newFakePeer(t, conn)
}

// listenFakePeer starts a listener that turns every accepted stream into a
// fake peer.
func listenFakePeer(t *testing.T) (string, <-chan *fakePeer) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = listener.Close()
	})

	accepted := make(chan *fakePeer, 16)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			accepted <- newFakePeer(t, conn)
		}
	}()

	return listener.Addr().String(), accepted
}

func (p *fakePeer) send(t *testing.T, msg wire.Message) {
	t.Helper()
	require.NoError(t, wire.Write(p.conn, msg))
}

func (p *fakePeer) sendRaw(t *testing.T, data string) {
	t.Helper()

	_, err := p.conn.Write([]byte(data))
	require.NoError(t, err)
}

func (p *fakePeer) read(timeout time.Duration) (wire.Message, error) {
	deadline := time.Now().Add(timeout)

	for {
		msg, err := p.dec.Next()
		if err != nil || msg != nil {
			return msg, err
		}

		if err := p.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}

		n, err := p.conn.Read(p.buf)
		p.dec.Feed(p.buf[:n])

		if err != nil {
			return nil, err
		}
	}
}

func (p *fakePeer) expect(t *testing.T) wire.Message {
	t.Helper()

	msg, err := p.read(waitTimeout)
	require.NoError(t, err)

	return msg
}

// expectGossip skips frames until a gossip message arrives.
func (p *fakePeer) expectGossip(t *testing.T) *wire.RandomGossip {
	t.Helper()

	for {
		msg := p.expect(t)
		if g, ok := msg.(*wire.RandomGossip); ok {
			return g
		}
	}
}

func (p *fakePeer) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()

	msg, err := p.read(d)
	require.Nil(t, msg, "unexpected message: %v", msg)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout(), "expected timeout, got %v", err)
}

func (p *fakePeer) expectClosed(t *testing.T) {
	t.Helper()

	for {
		msg, err := p.read(waitTimeout)
		if err == nil && msg != nil {
			continue // drain frames sent before closing
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("connection was not closed: %v", err)
		}

		require.Error(t, err)

		return
	}
}

// identify announces the listening address and waits for the peer list.
func (p *fakePeer) identify(t *testing.T, listenAddr string) *wire.PeerListResponse {
	t.Helper()

	p.send(t, &wire.PeerListRequest{ListenAddr: listenAddr})

	for {
		if resp, ok := p.expect(t).(*wire.PeerListResponse); ok {
			return resp
		}
	}
}
