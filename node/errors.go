package node

import (
	"errors"

	"github.com/maxpoletaev/gossipnode/internal/baseerror"
)

var (
	// ErrInvalidConfig is returned by New when the configuration is not usable.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrBootstrapFailed is returned by Start when the bootstrap peer could not
	// be reached. The node is stopped afterwards.
	ErrBootstrapFailed = errors.New("bootstrap failed")

	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("node already started")

	// ErrStopped is returned when the node has been shut down.
	ErrStopped = errors.New("node stopped")
)

var (
	// ErrConnection is the parent of the reasons a connection is terminated by
	// this node rather than by the stream.
	ErrConnection = baseerror.New("connection terminated")

	// ErrSendQueueFull is the reason a connection is closed when its peer does
	// not keep up with the outbound traffic.
	ErrSendQueueFull = ErrConnection.New("send queue is full")

	// ErrConnClosed is returned when sending to a closed connection.
	ErrConnClosed = ErrConnection.New("connection closed")

	errShutdown = ErrConnection.New("node is shutting down")
)
