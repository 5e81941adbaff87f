// Package pulse wraps the subset of Pulse streaming and raw Redis the
// redis-backed event bus needs. Callers build a Redis connection, hand it to
// New and receive a narrow interface: stream handles for topics plus the set
// and list commands backing the topic registry and the dead-letter log. The
// indirection keeps the bus testable without a Redis server.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the client.
	Options struct {
		// Redis is the connection backing streams, sets and lists.
		// Required.
		Redis *redis.Client

		// StreamMaxLen bounds the entries kept per stream. Zero uses
		// the Pulse default.
		StreamMaxLen int

		// OperationTimeout bounds individual Redis operations. Zero
		// means no timeout.
		OperationTimeout time.Duration
	}

	// Client is the Redis surface the bus runs on.
	Client interface {
		// Stream returns a handle to the named Pulse stream, creating
		// it lazily on first write.
		Stream(name string) (Stream, error)

		// SAdd adds member to the set at key.
		SAdd(ctx context.Context, key, member string) error

		// SRem removes member from the set at key.
		SRem(ctx context.Context, key, member string) error

		// SIsMember reports whether member is in the set at key.
		SIsMember(ctx context.Context, key, member string) (bool, error)

		// LPushTrim prepends value to the list at key and trims the
		// list to keep entries. keep <= 0 skips the trim.
		LPushTrim(ctx context.Context, key string, value []byte, keep int) error

		// LRange returns up to count entries from the head of the list
		// at key, newest first. count <= 0 returns the whole list.
		LRange(ctx context.Context, key string, count int) ([]string, error)

		// LRem removes the first occurrence of value from the list at
		// key and reports how many entries went away.
		LRem(ctx context.Context, key string, value []byte) (int, error)

		// Ping probes the Redis connection.
		Ping(ctx context.Context) error

		// Close releases the Redis connection.
		Close(ctx context.Context) error
	}

	// Stream publishes to and consumes from one Pulse stream.
	Stream interface {
		// Add appends a payload under the event name and returns the
		// id Redis assigned.
		Add(ctx context.Context, event string, payload []byte) (string, error)

		// NewSink opens the named consumer group on the stream.
		NewSink(ctx context.Context, name string) (Sink, error)

		// Destroy deletes the stream and everything in it.
		Destroy(ctx context.Context) error
	}

	// Sink is one consumer group membership.
	Sink interface {
		// Subscribe returns the channel delivering stream events.
		Subscribe() <-chan *streaming.Event

		// Ack marks the event processed so Pulse stops redelivering it.
		Ack(context.Context, *streaming.Event) error

		// Close leaves the consumer group.
		Close(context.Context)
	}
)

type client struct {
	rdb     *redis.Client
	maxLen  int
	timeout time.Duration
}

// New validates opts and builds the client.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{rdb: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", name, err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

func (c *client) SAdd(ctx context.Context, key, member string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.SAdd(ctx, key, member).Err()
}

func (c *client) SRem(ctx context.Context, key, member string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.SRem(ctx, key, member).Err()
}

func (c *client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.SIsMember(ctx, key, member).Result()
}

func (c *client) LPushTrim(ctx context.Context, key string, value []byte, keep int) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.LPush(ctx, key, value).Err(); err != nil {
		return err
	}
	if keep > 0 {
		return c.rdb.LTrim(ctx, key, 0, int64(keep-1)).Err()
	}
	return nil
}

func (c *client) LRange(ctx context.Context, key string, count int) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	stop := int64(-1)
	if count > 0 {
		stop = int64(count - 1)
	}
	return c.rdb.LRange(ctx, key, 0, stop).Result()
}

func (c *client) LRem(ctx context.Context, key string, value []byte) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.rdb.LRem(ctx, key, 1, value).Result()
	return int(n), err
}

func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *client) Close(ctx context.Context) error {
	return c.rdb.Close()
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// handle adapts one Pulse stream to the Stream interface.
type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("stream add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open sink %s: %w", name, err)
	}
	return sinkAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sinkAdapter narrows streaming.Sink to the Sink interface.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
