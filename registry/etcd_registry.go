package registry

import (
	"context"
	"encoding/json"
	"sort"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/plugin-rpc/"

func pluginPrefix(plugin string) string { return keyPrefix + plugin + "/" }

// EtcdRegistry implements Registry on etcd v3, which serves as a shared
// phonebook of plugin methods:
//
//	Key:   /plugin-rpc/{Plugin}/{Method}
//	Value: JSON-encoded MethodEntry
//
// Registration uses TTL-based leases: when the publisher dies the lease
// expires and its entries disappear instead of lingering as ghosts.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

// Register stores entry under a lease of ttl seconds and keeps the lease
// alive in the background.
//
// The lease id stays local so several publishers can share one registry
// without racing on it.
func (r *EtcdRegistry) Register(ctx context.Context, entry MethodEntry, ttl int64) error {
	if err := entry.validate(); err != nil {
		return err
	}
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = r.client.Put(ctx, pluginPrefix(entry.Plugin)+entry.Method, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	// KeepAlive must outlive the registering call.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return err
	}
	// Drain the responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, plugin, method string) error {
	_, err := r.client.Delete(ctx, pluginPrefix(plugin)+method)
	return err
}

// Watch re-reads the full list on every change under the plugin prefix;
// simpler than replaying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, plugin string) <-chan []MethodEntry {
	ch := make(chan []MethodEntry, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, pluginPrefix(plugin), clientv3.WithPrefix()) {
			entries, err := r.Discover(ctx, plugin)
			if err != nil {
				r.logger.Warn("registry watch refresh failed", zap.String("plugin", plugin), zap.Error(err))
				continue
			}
			select {
			case ch <- entries:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, plugin string) ([]MethodEntry, error) {
	resp, err := r.client.Get(ctx, pluginPrefix(plugin), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	entries := make([]MethodEntry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e MethodEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Method < entries[j].Method })
	return entries, nil
}

// Close releases the etcd connection.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
