// Package redis implements the broadcast medium on Redis. Values live in
// plain string keys; every write is followed, in the same MULTI block, by a
// PUBLISH on a shared channel that watchers subscribe to.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"leasecast/pkg/medium"
)

// DefaultChannel is the pub/sub channel carrying change events.
const DefaultChannel = "leasecast:events"

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	Channel      string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// DefaultConfig returns defaults sized for a handful of instances.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		Channel:      DefaultChannel,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// message is the pub/sub payload.
type message struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

type Medium struct {
	client  *redis.Client
	channel string
	log     *zap.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

var _ medium.Medium = (*Medium)(nil)

// New connects with cfg and verifies the connection.
func New(cfg Config, log *zap.Logger) (*Medium, error) {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to connect to redis: %v", medium.ErrUnavailable, err)
	}

	return &Medium{
		client:  client,
		channel: cfg.Channel,
		log:     log,
		subs:    make(map[*redis.PubSub]struct{}),
	}, nil
}

func (m *Medium) Available(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", medium.ErrUnavailable, err)
	}
	return nil
}

func (m *Medium) Set(ctx context.Context, key, value string) error {
	return m.write(ctx, message{Key: key, Value: value}, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, key, value, 0)
	})
}

func (m *Medium) Delete(ctx context.Context, key string) error {
	return m.write(ctx, message{Key: key, Deleted: true}, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, key)
	})
}

func (m *Medium) write(ctx context.Context, msg message, op func(pipe redis.Pipeliner)) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		op(pipe)
		pipe.Publish(ctx, m.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", medium.ErrUnavailable, msg.Key, err)
	}
	return nil
}

// Scan walks the keyspace with SCAN MATCH and fetches values in MGET batches.
func (m *Medium) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	out := make(map[string]string)
	iter := m.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 200).Iterator()

	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		values, err := m.client.MGet(ctx, batch...).Result()
		if err != nil {
			return err
		}
		for i, v := range values {
			// Keys deleted between SCAN and MGET come back nil.
			if s, ok := v.(string); ok {
				out[batch[i]] = s
			}
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 200 {
			if err := flush(); err != nil {
				return nil, fmt.Errorf("%w: scan %s: %v", medium.ErrUnavailable, prefix, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", medium.ErrUnavailable, prefix, err)
	}
	if err := flush(); err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", medium.ErrUnavailable, prefix, err)
	}
	return out, nil
}

// Watch subscribes to the event channel and forwards matching keys. The
// writer observes its own writes.
func (m *Medium) Watch(ctx context.Context, prefix string, h medium.Handler) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, medium.ErrClosed
	}
	m.mu.Unlock()

	sub := m.client.Subscribe(ctx, m.channel)
	// Wait for the subscription to be confirmed so no later write is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", medium.ErrUnavailable, err)
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, sub)
			m.mu.Unlock()
			sub.Close()
		})
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev message
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					m.log.Debug("ignoring malformed event", zap.Error(err))
					continue
				}
				if !strings.HasPrefix(ev.Key, prefix) {
					continue
				}
				h(medium.Event{Key: ev.Key, Value: ev.Value, Deleted: ev.Deleted})
			case <-ctx.Done():
				stop()
				return
			}
		}
	}()
	return stop, nil
}

func (m *Medium) Close() error {
	m.mu.Lock()
	m.closed = true
	subs := make([]*redis.PubSub, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = map[*redis.PubSub]struct{}{}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return m.client.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
