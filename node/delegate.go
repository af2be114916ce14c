package node

// Delegate is an interface the client should implement to observe gossip.
// Receive is only ever called from the node's event loop, so calls are never
// concurrent. It must not block.
type Delegate interface {
	// Receive is called for every gossip message received from a peer. The
	// sender is the listening address of the peer, or its observed address if
	// the peer has not identified itself yet. With Config.Relay enabled, a
	// text that repeats one of the last RelayBacklog texts is not delivered.
	Receive(from string, text string) error
}

// NoopDelegate is a delegate that does nothing.
type NoopDelegate struct{}

func (d *NoopDelegate) Receive(string, string) error { return nil }

// Ensure NoopDelegate satisfies the Delegate interface.
var _ Delegate = &NoopDelegate{}
