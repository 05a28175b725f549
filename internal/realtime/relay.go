package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRelay mirrors the local feed onto a redis channel so that viewers
// connected to other daemon instances see the same changes. Changes that
// arrive from redis are published into the local feed; the relay's own
// echoes are ignored.
type RedisRelay struct {
	client  *redis.Client
	channel string
	feed    *Feed
	buf     int
	log     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisRelay creates a relay. Call Start to begin relaying.
func NewRedisRelay(client *redis.Client, channel string, feed *Feed, buf int, log *zap.Logger) *RedisRelay {
	if buf <= 0 {
		buf = 256
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		feed:    feed,
		buf:     buf,
		log:     log,
	}
}

// Start pings redis, subscribes to the relay channel and starts the
// inbound and outbound loops.
func (r *RedisRelay) Start(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(runCtx, r.channel)
	// Wait for the subscription confirmation so no remote change published
	// after Start returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	local, unsub := r.feed.Subscribe(r.buf)

	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer unsub()
		r.outbound(runCtx, local)
	}()
	go func() {
		defer r.wg.Done()
		defer func() { _ = pubsub.Close() }()
		r.inbound(runCtx, pubsub.Channel())
	}()

	r.log.Info("realtime relay started", zap.String("channel", r.channel), zap.String("origin", r.feed.Origin()))
	return nil
}

// Stop ends both loops and waits for them to exit.
func (r *RedisRelay) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.log.Info("realtime relay stopped")
}

func (r *RedisRelay) outbound(ctx context.Context, local <-chan Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-local:
			if !ok {
				return
			}
			// Changes that came in from redis carry the sender's origin.
			if c.Origin != r.feed.Origin() {
				continue
			}
			payload, err := json.Marshal(c)
			if err != nil {
				r.log.Warn("encode change", zap.String("change_id", c.ID), zap.Error(err))
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
				r.log.Warn("relay publish failed", zap.String("change_id", c.ID), zap.Error(err))
			}
		}
	}
}

func (r *RedisRelay) inbound(ctx context.Context, msgs <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				r.log.Warn("decode relayed change", zap.Error(err))
				continue
			}
			if c.Origin == "" || c.Origin == r.feed.Origin() {
				continue
			}
			r.feed.Publish(c)
		}
	}
}
