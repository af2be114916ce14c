// Package discovery keeps the addresses of running nodes in etcd, so that a
// node can find seeds without knowing a bootstrap address in advance.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/maxpoletaev/gossipnode/internal/set"
)

var ErrNotRegistered = errors.New("node is not registered")

// Registry publishes the address of the local node under a lease and lists
// the addresses published by others.
type Registry struct {
	conf   Config
	client *clientv3.Client
	logger log.Logger

	mut     sync.Mutex
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Connect creates an etcd client. The connection itself is established lazily.
func Connect(conf Config) (*Registry, error) {
	if len(conf.Endpoints) == 0 {
		return nil, errors.New("no etcd endpoints given")
	}

	if conf.Logger == nil {
		conf.Logger = log.NewNopLogger()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   conf.Endpoints,
		DialTimeout: conf.DialTimeout,
		Logger:      conf.ClientLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return &Registry{
		conf:   conf,
		client: client,
		logger: log.With(conf.Logger, "component", "discovery"),
	}, nil
}

func (r *Registry) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.conf.RequestTimeout > 0 {
		return context.WithTimeout(ctx, r.conf.RequestTimeout)
	}

	return context.WithCancel(ctx)
}

// Register publishes addr under a new lease and keeps the lease alive in the
// background until Close is called.
func (r *Registry) Register(ctx context.Context, addr string) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()

	lease, err := r.client.Grant(reqCtx, r.conf.TTL)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	key := r.conf.Prefix + addr
	if _, err := r.client.Put(reqCtx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register %s: %w", addr, err)
	}

	keepCtx, stopKeepAlive := context.WithCancel(context.Background())

	ch, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		stopKeepAlive()
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}

	r.leaseID = lease.ID
	r.key = key
	r.cancel = stopKeepAlive

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		for range ch {
			// Drain the responses, otherwise the client logs a warning on
			// every renewal.
		}

		if keepCtx.Err() == nil {
			level.Warn(r.logger).Log("msg", "lease keepalive stopped", "key", key)
		}
	}()

	level.Info(r.logger).Log("msg", "registered in etcd", "key", key, "ttl", r.conf.TTL)

	return nil
}

// Peers returns the addresses currently registered under the prefix.
func (r *Registry) Peers(ctx context.Context) ([]string, error) {
	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()

	resp, err := r.client.Get(reqCtx, r.conf.Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}

	return peerAddrs(r.conf.Prefix, resp.Kvs), nil
}

// Watch calls fn with the addresses of nodes registered after the call. It
// blocks until ctx is cancelled or the watch channel is closed.
func (r *Registry) Watch(ctx context.Context, fn func(addrs []string)) error {
	wch := r.client.Watch(clientv3.WithRequireLeader(ctx), r.conf.Prefix, clientv3.WithPrefix())

	for resp := range wch {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("watch failed: %w", err)
		}

		if addrs := createdAddrs(r.conf.Prefix, resp.Events); len(addrs) > 0 {
			level.Debug(r.logger).Log("msg", "peers registered", "count", len(addrs))
			fn(addrs)
		}
	}

	return ctx.Err()
}

// Deregister revokes the lease, removing the address from the registry.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	if r.cancel == nil {
		return ErrNotRegistered
	}

	r.cancel()
	r.wg.Wait()

	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()

	_, err := r.client.Revoke(reqCtx, r.leaseID)

	r.cancel = nil
	r.leaseID = clientv3.NoLease

	if err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}

	level.Info(r.logger).Log("msg", "deregistered from etcd", "key", r.key)

	return nil
}

// Close deregisters the node, if needed, and closes the client.
func (r *Registry) Close(ctx context.Context) error {
	if err := r.Deregister(ctx); err != nil && !errors.Is(err, ErrNotRegistered) {
		level.Warn(r.logger).Log("msg", "failed to deregister", "err", err)
	}

	return r.client.Close()
}

// peerAddrs extracts addresses from the registry keys, in ascending order.
func peerAddrs(prefix string, kvs []*mvccpb.KeyValue) []string {
	addrs := set.New[string]()

	for _, kv := range kvs {
		if addr, ok := addrFromKey(prefix, kv); ok {
			addrs.Add(addr)
		}
	}

	return set.Sorted(addrs)
}

// createdAddrs returns the addresses put into the registry by the events.
func createdAddrs(prefix string, events []*clientv3.Event) []string {
	addrs := set.New[string]()

	for _, ev := range events {
		if ev.Type != mvccpb.PUT {
			continue
		}

		if addr, ok := addrFromKey(prefix, ev.Kv); ok {
			addrs.Add(addr)
		}
	}

	return set.Sorted(addrs)
}

func addrFromKey(prefix string, kv *mvccpb.KeyValue) (string, bool) {
	if kv == nil {
		return "", false
	}

	addr, ok := strings.CutPrefix(string(kv.Key), prefix)
	if !ok || addr == "" {
		return "", false
	}

	return addr, true
}
