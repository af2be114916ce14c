package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

var opts struct {
	Period  uint   `long:"period" env:"GOSSIP_PERIOD" required:"true" description:"send a random gossip message to all peers every N seconds"`
	Port    uint16 `long:"port" env:"GOSSIP_PORT" required:"true" description:"local port to accept peer connections on"`
	Connect uint16 `long:"connect" env:"GOSSIP_CONNECT" description:"port of a peer on localhost to join, omit to start a new overlay"`

	JoinAttempts int  `long:"join-attempts" env:"GOSSIP_JOIN_ATTEMPTS" default:"1" description:"number of attempts to reach the bootstrap peer"`
	Relay        bool `long:"relay" env:"GOSSIP_RELAY" description:"forward received gossip to all other peers"`

	MetricsAddr string `long:"metrics-addr" env:"GOSSIP_METRICS_ADDR" description:"address to serve prometheus metrics on"`
	AdminAddr   string `long:"admin-addr" env:"GOSSIP_ADMIN_ADDR" description:"address to serve the grpc health service on"`

	Etcd struct {
		Endpoints string `long:"endpoints" env:"ENDPOINTS" description:"comma-separated list of etcd endpoints used to find peers"`
		Prefix    string `long:"prefix" env:"PREFIX" default:"/gossipnode/peers/" description:"etcd key prefix shared by the overlay"`
	} `group:"etcd" namespace:"etcd" env-namespace:"GOSSIP_ETCD"`

	Verbose bool `long:"verbose" env:"GOSSIP_VERBOSE" description:"verbose mode"`
}

// newParser reads options from the command line and GOSSIP_* environment
// variables. Grouped options are spelled --etcd-endpoints and GOSSIP_ETCD_ENDPOINTS.
func newParser(options flags.Options) *flags.Parser {
	p := flags.NewParser(&opts, options)
	p.NamespaceDelimiter = "-"

	return p
}

func bindAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", opts.Port)
}

func joinAddr() string {
	if opts.Connect == 0 {
		return ""
	}

	return fmt.Sprintf("127.0.0.1:%d", opts.Connect)
}

func gossipPeriod() time.Duration {
	return time.Duration(opts.Period) * time.Second
}

func parseAddrs(addrs string) []string {
	sl := strings.Split(addrs, ",")
	res := make([]string, 0, len(sl))

	for _, addr := range sl {
		trimmed := strings.TrimSpace(addr)
		if trimmed != "" {
			res = append(res, trimmed)
		}
	}

	return res
}
