package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"streamhooks/internal/model"
)

const (
	delayRegistryKey = "delayedQueue_buckets"
	reclaimMinIdle   = 30 * time.Second
	moverInterval    = time.Second
	consumeBlock     = time.Second
)

// envelope is the wire form of a message on a stream or delayed queue. The
// token makes delayed-queue members unique even when the same logical message
// is parked twice.
type envelope struct {
	RoutingKey string              `json:"routingKey"`
	Message    *model.EventMessage `json:"message"`
	Token      string              `json:"token,omitempty"`
}

// Redis is the Broker implementation on Redis Streams. Consumption uses a
// consumer group with count 1, so a consumer never holds more than one
// unacknowledged message; pending entries idle past reclaimMinIdle are
// reclaimed, which is how the broker redelivers after a crash or a nack.
type Redis struct {
	rdb      *redis.Client
	consumer string
	log      *slog.Logger

	moverStop context.CancelFunc
}

func NewRedis(url, consumerName string, log *slog.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	b := &Redis{rdb: redis.NewClient(opt), consumer: consumerName, log: log}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.declareTopology(ctx); err != nil {
		return nil, err
	}
	moverCtx, stop := context.WithCancel(context.Background())
	b.moverStop = stop
	go b.runDelayMover(moverCtx)
	return b, nil
}

// declareTopology creates both streams and their consumer groups. Idempotent;
// called again after connection loss.
func (b *Redis) declareTopology(ctx context.Context) error {
	for _, d := range []struct{ stream, group string }{
		{StreamWebhooks, Group},
		{StreamEvents, "event-triggers"},
	} {
		err := b.rdb.XGroupCreateMkStream(ctx, d.stream, d.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("declare stream %s: %w", d.stream, err)
		}
	}
	return nil
}

func (b *Redis) Publish(ctx context.Context, routingKey string, msg *model.EventMessage) error {
	stream, err := streamForKey(routingKey)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"routingKey": routingKey, "message": string(body)},
	}).Err()
}

// PublishDelayed parks the message on the delay bucket for its delay. The
// bucket is a sorted set scored by due time; the mover republishes due
// members under their original routing key. Buckets expire after idling so
// one-off delays do not leak keys.
func (b *Redis) PublishDelayed(ctx context.Context, routingKey string, msg *model.EventMessage, delay time.Duration) error {
	if _, err := streamForKey(routingKey); err != nil {
		return err
	}
	env, err := json.Marshal(envelope{RoutingKey: routingKey, Message: msg, Token: uuid.New().String()})
	if err != nil {
		return err
	}
	bucket := DelayBucket(delay)
	due := float64(time.Now().Add(delay).UnixMilli())
	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, bucket, redis.Z{Score: due, Member: string(env)})
	pipe.SAdd(ctx, delayRegistryKey, bucket)
	pipe.Expire(ctx, bucket, delay+15*time.Second)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *Redis) Consume(ctx context.Context, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msg, ok, err := b.nextMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Error("broker read failed, redeclaring topology", "error", err)
			time.Sleep(time.Second)
			_ = b.declareTopology(ctx)
			continue
		}
		if !ok {
			continue
		}
		b.handleMessage(ctx, msg, h)
	}
}

// nextMessage first drains messages abandoned by dead consumers, then blocks
// briefly for a new one. ok=false means the block timed out.
func (b *Redis) nextMessage(ctx context.Context) (redis.XMessage, bool, error) {
	claimed, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamWebhooks,
		Group:    Group,
		Consumer: b.consumer,
		MinIdle:  reclaimMinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && err != redis.Nil {
		return redis.XMessage{}, false, err
	}
	if len(claimed) > 0 {
		return claimed[0], true, nil
	}
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: b.consumer,
		Streams:  []string{StreamWebhooks, ">"},
		Count:    1,
		Block:    consumeBlock,
	}).Result()
	if err == redis.Nil {
		return redis.XMessage{}, false, nil
	}
	if err != nil {
		return redis.XMessage{}, false, err
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return s.Messages[0], true, nil
		}
	}
	return redis.XMessage{}, false, nil
}

func (b *Redis) handleMessage(ctx context.Context, m redis.XMessage, h Handler) {
	key, _ := m.Values["routingKey"].(string)
	raw, _ := m.Values["message"].(string)
	msg := &model.EventMessage{}
	if err := json.Unmarshal([]byte(raw), msg); err != nil {
		// Poison entry; ack it away so it cannot wedge the stream.
		b.log.Error("dropping undecodable message", "id", m.ID, "error", err)
		_ = b.rdb.XAck(ctx, StreamWebhooks, Group, m.ID).Err()
		return
	}
	d := NewDelivery(key, msg,
		func() error { return b.rdb.XAck(ctx, StreamWebhooks, Group, m.ID).Err() },
		func() error {
			// Leaving the entry pending is the nack: the reclaim pass hands
			// it to a consumer once it has idled past reclaimMinIdle.
			return nil
		},
	)
	h(ctx, d)
}

// runDelayMover republishes due members of every registered delay bucket.
func (b *Redis) runDelayMover(ctx context.Context) {
	ticker := time.NewTicker(moverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.moveDue(ctx)
		}
	}
}

func (b *Redis) moveDue(ctx context.Context) {
	buckets, err := b.rdb.SMembers(ctx, delayRegistryKey).Result()
	if err != nil {
		return
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	for _, bucket := range buckets {
		members, err := b.rdb.ZRangeByScore(ctx, bucket, &redis.ZRangeBy{Min: "-inf", Max: now, Count: 50}).Result()
		if err != nil {
			continue
		}
		for _, member := range members {
			// ZRem arbitrates between competing movers: whoever removes the
			// member owns the republish.
			removed, err := b.rdb.ZRem(ctx, bucket, member).Result()
			if err != nil || removed == 0 {
				continue
			}
			var env envelope
			if err := json.Unmarshal([]byte(member), &env); err != nil {
				b.log.Error("dropping undecodable delayed message", "bucket", bucket, "error", err)
				continue
			}
			if err := b.Publish(ctx, env.RoutingKey, env.Message); err != nil {
				b.log.Error("delayed republish failed", "routingKey", env.RoutingKey, "error", err)
			}
		}
		if n, err := b.rdb.ZCard(ctx, bucket).Result(); err == nil && n == 0 {
			_ = b.rdb.SRem(ctx, delayRegistryKey, bucket).Err()
		}
	}
}

func (b *Redis) Close() error {
	if b.moverStop != nil {
		b.moverStop()
	}
	return b.rdb.Close()
}
