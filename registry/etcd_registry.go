// Package registry provides the etcd-backed destination directory.
//
// etcd acts as a "distributed phonebook" for mesh services:
//
//	Key:   /meshrpc/{ServiceName}/{DestHash}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the service dies, the lease expires
// and the entry disappears on its own, so clients never resolve a ghost
// destination.
package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/meshrpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register publishes an instance under a TTL lease and keeps the lease
// alive in the background.
func (r *EtcdRegistry) Register(serviceName string, instance Instance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, keyPrefix+serviceName+"/"+instance.DestHash, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	// Background lease renewal. The lease ID stays local: sharing one
	// EtcdRegistry between several routers must not race on it.
	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes a published instance. Called on router shutdown before
// the endpoint detaches.
func (r *EtcdRegistry) Deregister(serviceName string, destHash string) error {
	_, err := r.client.Delete(context.TODO(), keyPrefix+serviceName+"/"+destHash)
	return err
}

// Discover returns every currently registered instance of a service.
func (r *EtcdRegistry) Discover(serviceName string) ([]Instance, error) {
	prefix := keyPrefix + serviceName + "/"
	resp, err := r.client.Get(context.TODO(), prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits the full instance list on every change under the service
// prefix (registrations, deregistrations, lease expirations).
func (r *EtcdRegistry) Watch(serviceName string) <-chan []Instance {
	ctx := context.TODO()
	ch := make(chan []Instance, 1)
	prefix := keyPrefix + serviceName + "/"

	go func() {
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list instead of replaying events.
			instances, _ := r.Discover(serviceName)
			ch <- instances
		}
	}()

	return ch
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
