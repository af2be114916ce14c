package wire

import (
	"fmt"
	"strings"

	"github.com/maxpoletaev/gossipnode/internal/set"
)

const (
	tagGossip       = "GOSSIP"
	tagPeersRequest = "PEERS?"
	tagPeers        = "PEERS"

	delimiter     = " "
	addrDelimiter = ","
)

// Message is a protocol value carried by a single frame. The set of
// implementations is closed: RandomGossip, PeerListRequest and PeerListResponse.
type Message interface {
	// Type returns a short name of the message kind, suitable for logs and metrics.
	Type() string

	tag() string
	payload() string
}

// RandomGossip is a piece of gossip disseminated to every known peer.
type RandomGossip struct {
	Text string
}

var textSanitizer = strings.NewReplacer("\r", " ", "\n", " ")

// NewRandomGossip creates a gossip message. Line terminators are replaced with
// spaces and invalid UTF-8 sequences with U+FFFD, so the text always fits into
// a single frame.
func NewRandomGossip(text string) *RandomGossip {
	return &RandomGossip{Text: sanitizeText(text)}
}

func sanitizeText(text string) string {
	return textSanitizer.Replace(strings.ToValidUTF8(text, "\uFFFD"))
}

func (*RandomGossip) Type() string      { return "gossip" }
func (*RandomGossip) tag() string       { return tagGossip }
func (m *RandomGossip) payload() string { return sanitizeText(m.Text) }

// PeerListRequest asks the remote side for its peer set. ListenAddr is the
// address the requester accepts connections on. It is optional, when empty
// the responder falls back to the observed address of the connection.
type PeerListRequest struct {
	ListenAddr string
}

func (*PeerListRequest) Type() string      { return "peer_list_request" }
func (*PeerListRequest) tag() string       { return tagPeersRequest }
func (m *PeerListRequest) payload() string { return m.ListenAddr }

// PeerListResponse carries a snapshot of the responder's peer set. An empty
// set is a valid answer.
type PeerListResponse struct {
	Addrs set.Set[string]
}

func NewPeerListResponse(addrs ...string) *PeerListResponse {
	return &PeerListResponse{Addrs: set.New(addrs...)}
}

func (*PeerListResponse) Type() string { return "peer_list_response" }
func (*PeerListResponse) tag() string  { return tagPeers }

func (m *PeerListResponse) payload() string {
	return strings.Join(set.Sorted(m.Addrs), addrDelimiter)
}

// Ensure message types satisfy the interface.
var (
	_ Message = &RandomGossip{}
	_ Message = &PeerListRequest{}
	_ Message = &PeerListResponse{}
)

// Marshal returns the frame payload of the message, without the terminator.
func Marshal(msg Message) string {
	p := msg.payload()
	if p == "" {
		return msg.tag()
	}

	return msg.tag() + delimiter + p
}

// Unmarshal parses a frame payload. It fails with ErrUnknownMessageType if the
// tag is not recognized.
func Unmarshal(line string) (Message, error) {
	tag, payload, _ := strings.Cut(line, delimiter)

	switch tag {
	case tagGossip:
		return &RandomGossip{Text: payload}, nil
	case tagPeersRequest:
		return &PeerListRequest{ListenAddr: strings.TrimSpace(payload)}, nil
	case tagPeers:
		return &PeerListResponse{Addrs: parseAddrs(payload)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, truncate(tag, 32))
	}
}

func parseAddrs(s string) set.Set[string] {
	addrs := set.New[string]()

	for _, addr := range strings.Split(s, addrDelimiter) {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs.Add(addr)
		}
	}

	return addrs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
