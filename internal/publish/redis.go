// Package publish fans navigation outputs out to Redis so other processes
// on the vehicle can follow the DVL without owning the link.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/banshee-data/dvl.link/internal/navigation"
)

// DefaultPrefix namespaces channels and keys when none is configured.
const DefaultPrefix = "dvl"

// publishTimeout bounds each Redis round trip; sinks are called from the
// decode loop and must not stall it.
const publishTimeout = 500 * time.Millisecond

// RedisSink publishes every output on a pub/sub channel and keeps the most
// recent one under a plain key.
type RedisSink struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisSink connects with redisOpts. An empty prefix uses DefaultPrefix.
func NewRedisSink(redisOpts *redis.Options, prefix string) (*RedisSink, error) {
	if redisOpts == nil {
		return nil, fmt.Errorf("redis options cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisSink{
		rdb:    redis.NewClient(redisOpts),
		prefix: prefix,
	}, nil
}

// NewRedisSinkFromURL parses a redis:// URL.
func NewRedisSinkFromURL(url, prefix string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisSink(opts, prefix)
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.rdb.Close()
}

func (s *RedisSink) VelocityChannel() string { return s.prefix + ":velocity" }
func (s *RedisSink) PoseChannel() string     { return s.prefix + ":pose" }
func (s *RedisSink) LatestVelocityKey() string {
	return s.prefix + ":latest:velocity"
}
func (s *RedisSink) LatestPoseKey() string { return s.prefix + ":latest:pose" }

func (s *RedisSink) PublishVelocity(v navigation.VelocityOutput) error {
	return s.publish(s.VelocityChannel(), s.LatestVelocityKey(), v)
}

func (s *RedisSink) PublishPose(p navigation.PoseOutput) error {
	return s.publish(s.PoseChannel(), s.LatestPoseKey(), p)
}

func (s *RedisSink) publish(channel, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", channel, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, payload, 0)
	pipe.Publish(ctx, channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// LatestVelocity reads back the last published velocity. redis.Nil is
// returned when nothing has been published yet.
func (s *RedisSink) LatestVelocity(ctx context.Context) (navigation.VelocityOutput, error) {
	var v navigation.VelocityOutput
	err := s.latest(ctx, s.LatestVelocityKey(), &v)
	return v, err
}

func (s *RedisSink) LatestPose(ctx context.Context) (navigation.PoseOutput, error) {
	var p navigation.PoseOutput
	err := s.latest(ctx, s.LatestPoseKey(), &p)
	return p, err
}

func (s *RedisSink) latest(ctx context.Context, key string, into any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// SubscribeVelocity streams velocity outputs until ctx is done. The returned
// channel is closed when the subscription ends.
func (s *RedisSink) SubscribeVelocity(ctx context.Context) (<-chan navigation.VelocityOutput, error) {
	pubsub := s.rdb.Subscribe(ctx, s.VelocityChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.VelocityChannel(), err)
	}

	out := make(chan navigation.VelocityOutput, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var v navigation.VelocityOutput
				if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
