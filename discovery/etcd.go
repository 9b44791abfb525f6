package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the root of every announcement: /render-rpc/{service}/{addr}.
const KeyPrefix = "/render-rpc/"

// EtcdRegistry implements Registry on top of etcd v3.
//
// Announcements are bound to a TTL lease kept alive in the background: when a
// service dies without deregistering, its entry expires on its own.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

func servicePrefix(service string) string {
	return KeyPrefix + service + "/"
}

// Register announces an instance under a lease of ttl seconds and keeps the
// lease alive until ctx is done or the instance is deregistered.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	_, err = r.client.Put(ctx, servicePrefix(service)+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return errors.Wrapf(err, "announce %s", instance.Addr)
	}
	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}
	// The keepalive channel must be drained or etcd logs that it is full.
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("service", service), zap.String("addr", instance.Addr))
	}()
	return nil
}

// Deregister removes an announcement.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	_, err := r.client.Delete(ctx, servicePrefix(service)+addr)
	return errors.Wrapf(err, "deregister %s", addr)
}

// Discover returns every instance currently announced for service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", service)
	}
	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed announcement", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits the full instance list every time the announcements of service
// change. The channel is closed when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix()) {
			// Re-read the whole list, simpler than applying individual events.
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("watch refresh failed", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
