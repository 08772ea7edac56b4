// Package etcd implements the broadcast medium on etcd: keys are plain
// puts, the change feed is a prefix watch.
package etcd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"leasecast/pkg/medium"
)

// Config holds etcd connection configuration
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// RequestTimeout bounds Available probes.
	RequestTimeout time.Duration
	Username       string
	Password       string
}

func DefaultConfig(endpoints []string) Config {
	return Config{
		Endpoints:      endpoints,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 3 * time.Second,
	}
}

type Medium struct {
	client  *clientv3.Client
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	nextID  int
	closed  bool
}

var _ medium.Medium = (*Medium)(nil)

// New creates the raw etcd client. Dialing is lazy; use Available to probe.
func New(cfg Config, log *zap.Logger) (*Medium, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to etcd: %v", medium.ErrUnavailable, err)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Medium{
		client:  cli,
		timeout: timeout,
		log:     log,
		cancels: make(map[int]context.CancelFunc),
	}, nil
}

// Available checks the first reachable endpoint's status.
func (m *Medium) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var lastErr error
	for _, ep := range m.client.Endpoints() {
		if _, err := m.client.Status(ctx, ep); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints configured")
	}
	return fmt.Errorf("%w: %v", medium.ErrUnavailable, lastErr)
}

func (m *Medium) Set(ctx context.Context, key, value string) error {
	if _, err := m.client.Put(ctx, key, value); err != nil {
		return fmt.Errorf("%w: put %s: %v", medium.ErrUnavailable, key, err)
	}
	return nil
}

func (m *Medium) Delete(ctx context.Context, key string) error {
	if _, err := m.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", medium.ErrUnavailable, key, err)
	}
	return nil
}

func (m *Medium) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := m.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", medium.ErrUnavailable, prefix, err)
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)] = string(kv.Value)
	}
	return out, nil
}

// Watch follows every key under prefix. The writer observes its own writes.
func (m *Medium) Watch(ctx context.Context, prefix string, h medium.Handler) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, medium.ErrClosed
	}
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	id := m.nextID
	m.nextID++
	m.cancels[id] = cancel
	m.mu.Unlock()

	stop := func() {
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
		cancel()
	}

	wch := m.client.Watch(wctx, prefix, clientv3.WithPrefix())
	go func() {
		for resp := range wch {
			if err := resp.Err(); err != nil {
				m.log.Warn("etcd watch interrupted", zap.String("prefix", prefix), zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				switch ev.Type {
				case mvccpb.PUT:
					h(medium.Event{Key: string(ev.Kv.Key), Value: string(ev.Kv.Value)})
				case mvccpb.DELETE:
					h(medium.Event{Key: string(ev.Kv.Key), Deleted: true})
				}
			}
		}
	}()
	return stop, nil
}

func (m *Medium) Close() error {
	m.mu.Lock()
	m.closed = true
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}
	m.mu.Unlock()
	return m.client.Close()
}
