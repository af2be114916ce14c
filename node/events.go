package node

import "github.com/maxpoletaev/gossipnode/wire"

// event is a message in the node mailbox. Events are produced by connections,
// dialers and public methods, and consumed by the event loop only.
type event interface {
	isEvent()
}

type connOpened struct {
	conn *Conn
}

type frameReceived struct {
	conn *Conn
	msg  wire.Message
}

type connClosed struct {
	conn *Conn
	err  error
}

type dialFailed struct {
	addr string
	err  error
}

type peersDiscovered struct {
	addrs  []string
	source string
}

type peersQuery struct {
	reply chan []string
}

func (connOpened) isEvent()      {}
func (frameReceived) isEvent()   {}
func (connClosed) isEvent()      {}
func (dialFailed) isEvent()      {}
func (peersDiscovered) isEvent() {}
func (peersQuery) isEvent()      {}
