package discovery

import (
	"time"

	"github.com/go-kit/log"
	"go.uber.org/zap"
)

type Config struct {
	// Endpoints is the list of etcd client URLs.
	Endpoints []string

	// Prefix is prepended to every registered address. Nodes sharing the same
	// prefix form one overlay.
	Prefix string

	// TTL is the lease time-to-live in seconds. A node that stops renewing its
	// lease disappears from the registry after TTL.
	TTL int64

	DialTimeout    time.Duration
	RequestTimeout time.Duration

	// ClientLogger is passed to the etcd client, which only logs through zap.
	ClientLogger *zap.Logger

	Logger log.Logger
}

// DefaultConfig creates a Config with reasonable default values.
func DefaultConfig() Config {
	return Config{
		Endpoints:      []string{"127.0.0.1:2379"},
		Prefix:         "/gossipnode/peers/",
		TTL:            10,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 5 * time.Second,
		ClientLogger:   zap.NewNop(),
		Logger:         log.NewNopLogger(),
	}
}
