// Package wire implements the line-oriented protocol spoken between gossip
// nodes. Each frame is a UTF-8 line terminated by CRLF which carries exactly
// one message: a tag, optionally followed by a single space and a payload.
//
//	GOSSIP <text>
//	PEERS? [<listen addr>]
//	PEERS [<addr>,<addr>,...]
//
// There is no length prefix, checksum or version negotiation. Any framing
// error or unknown tag leaves the stream in an undefined state, so the
// connection that produced it must be closed.
package wire
