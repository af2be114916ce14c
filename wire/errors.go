package wire

import "github.com/maxpoletaev/gossipnode/internal/baseerror"

var (
	// ErrProtocol is the parent of all errors caused by a misbehaving peer.
	ErrProtocol = baseerror.New("protocol error")

	// ErrFraming is returned when a frame is not valid UTF-8 or exceeds MaxFrameSize.
	ErrFraming = ErrProtocol.New("framing error")

	// ErrUnknownMessageType is returned when a frame carries an unrecognized tag.
	ErrUnknownMessageType = ErrProtocol.New("unknown message type")
)
