// Package cache adapts Redis as a write-through mirror of replicated values
// and as a pub/sub replication channel between regions.
//
// Each region listens on its own channel, <prefix>:<region>; a write is
// published once per target region on that region's channel.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"georepl/internal/codec"
	replerr "georepl/internal/errors"
	"georepl/internal/logging"
	"georepl/internal/storage"
)

const defaultPrefix = "georepl"

// Config selects the Redis server and naming.
type Config struct {
	Addr     string        `toml:"addr"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	Prefix   string        `toml:"prefix"`
	TTL      time.Duration `toml:"ttl"`
}

// Receiver applies an envelope received from a peer region.
type Receiver interface {
	HandleRemote(ctx context.Context, env codec.Envelope) error
}

// Cache wraps a Redis client.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	codec  codec.Codec
	logger log.Logger
}

// New connects to cfg.Addr.
func New(cfg Config, logger log.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg, logger)
}

// NewWithClient uses an existing client.
func NewWithClient(client *redis.Client, cfg Config, logger log.Logger) *Cache {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Cache{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		codec:  codec.Default,
		logger: logging.Component(logger, "cache"),
	}
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return errors.Wrap(c.client.Ping(ctx).Err(), "redis ping")
}

// Set stores value under key. A zero ttl means no expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

// Get returns the value under key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "redis get %s", key)
	}
	return b, true, nil
}

// Publish sends msg on channel.
func (c *Cache) Publish(ctx context.Context, channel string, msg []byte) error {
	if err := c.client.Publish(ctx, channel, msg).Err(); err != nil {
		return errors.Wrapf(err, "redis publish %s", channel)
	}
	return nil
}

// Subscription is an active channel subscription.
type Subscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
}

// Close unsubscribes and waits for the handler loop to exit.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		<-s.done
	})
	return err
}

// Subscribe calls handler for every message on channel until ctx is done or
// the subscription is closed. Handler errors are logged.
func (c *Cache) Subscribe(ctx context.Context, channel string, handler func(ctx context.Context, payload []byte) error) (*Subscription, error) {
	ps := c.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, errors.Wrapf(err, "redis subscribe %s", channel)
	}

	sub := &Subscription{ps: ps, done: make(chan struct{})}
	msgs := ps.Channel()

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if err := handler(ctx, []byte(msg.Payload)); err != nil {
					level.Warn(c.logger).Log("msg", "cache message rejected", "channel", channel, "err", err)
				}
			}
		}
	}()
	return sub, nil
}

// Channel returns the replication channel of region.
func (c *Cache) Channel(region string) string {
	return c.prefix + ":" + region
}

func (c *Cache) dataKey(key string) string {
	return c.prefix + ":data:" + key
}

// Mirror stores the latest local version of key.
func (c *Cache) Mirror(ctx context.Context, key string, vd storage.VersionedData) error {
	b, err := json.Marshal(vd)
	if err != nil {
		return errors.Wrap(err, "encode version")
	}
	return c.Set(ctx, c.dataKey(key), b, c.ttl)
}

// Mirrored reads back a mirrored version.
func (c *Cache) Mirrored(ctx context.Context, key string) (storage.VersionedData, bool, error) {
	b, ok, err := c.Get(ctx, c.dataKey(key))
	if err != nil || !ok {
		return storage.VersionedData{}, ok, err
	}
	var vd storage.VersionedData
	if err := json.Unmarshal(b, &vd); err != nil {
		return storage.VersionedData{}, false, errors.Wrap(err, "decode version")
	}
	return vd, true, nil
}

// Name identifies the sink.
func (c *Cache) Name() string { return "redis" }

// Send publishes env on region's channel.
func (c *Cache) Send(ctx context.Context, region string, env codec.Envelope) error {
	frame, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.Publish(ctx, c.Channel(region), frame); err != nil {
		return replerr.Transport(replerr.OpPropagate, region, err)
	}
	return nil
}

// Listen feeds envelopes published for region into recv.
func (c *Cache) Listen(ctx context.Context, region string, recv Receiver) (*Subscription, error) {
	return c.Subscribe(ctx, c.Channel(region), func(ctx context.Context, payload []byte) error {
		env, err := c.codec.Unmarshal(payload)
		if err != nil {
			return err
		}
		return recv.HandleRemote(ctx, env)
	})
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.client.Close()
}
