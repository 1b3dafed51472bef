package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dvl.link/internal/dvl"
	"github.com/banshee-data/dvl.link/internal/navigation"
	"github.com/banshee-data/dvl.link/internal/protocol"
)

var _ dvl.Sink = (*RedisSink)(nil)

func newTestSink(t *testing.T, prefix string) (*RedisSink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	sink, err := NewRedisSink(&redis.Options{Addr: mr.Addr()}, prefix)
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })
	return sink, mr
}

func TestNewRedisSink(t *testing.T) {
	t.Run("nil options", func(t *testing.T) {
		_, err := NewRedisSink(nil, "x")
		assert.Error(t, err)
	})

	t.Run("default prefix", func(t *testing.T) {
		sink, _ := newTestSink(t, "")
		assert.Equal(t, "dvl:velocity", sink.VelocityChannel())
		assert.Equal(t, "dvl:latest:pose", sink.LatestPoseKey())
		assert.NoError(t, sink.Ping(context.Background()))
	})

	t.Run("from url", func(t *testing.T) {
		mr := miniredis.RunT(t)
		sink, err := NewRedisSinkFromURL("redis://"+mr.Addr()+"/0", "auv1")
		require.NoError(t, err)
		defer sink.Close()
		assert.Equal(t, "auv1:pose", sink.PoseChannel())
		assert.NoError(t, sink.Ping(context.Background()))
	})

	t.Run("bad url", func(t *testing.T) {
		_, err := NewRedisSinkFromURL("http://nope", "")
		assert.Error(t, err)
	})
}

func TestPublishVelocityStoresLatest(t *testing.T) {
	sink, mr := newTestSink(t, "auv1")
	ctx := context.Background()

	_, err := sink.LatestVelocity(ctx)
	assert.ErrorIs(t, err, redis.Nil)

	out := navigation.VelocityOutput{
		FrameID:       "dvl",
		Time:          time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		Velocity:      protocol.Vector3{X: 0.3, Y: 0.4},
		Speed:         0.5,
		VelocityValid: true,
		NumGoodBeams:  4,
	}
	require.NoError(t, sink.PublishVelocity(out))

	raw, err := mr.Get("auv1:latest:velocity")
	require.NoError(t, err)
	var stored navigation.VelocityOutput
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, 0.5, stored.Speed)

	got, err := sink.LatestVelocity(ctx)
	require.NoError(t, err)
	assert.Equal(t, out.Velocity, got.Velocity)
	assert.True(t, out.Time.Equal(got.Time))
	assert.Equal(t, 4, got.NumGoodBeams)
}

func TestPublishPoseStoresLatest(t *testing.T) {
	sink, _ := newTestSink(t, "")
	ctx := context.Background()

	pose := navigation.PoseOutput{
		FrameID:     "dvl",
		Time:        time.Unix(1700000000, 0).UTC(),
		Position:    protocol.Vector3{X: 1, Y: -2, Z: 0.5},
		Orientation: navigation.FromRollPitchYaw(0, 0, 0),
	}
	require.NoError(t, sink.PublishPose(pose))

	got, err := sink.LatestPose(ctx)
	require.NoError(t, err)
	assert.Equal(t, pose.Position, got.Position)
	assert.Equal(t, pose.Orientation, got.Orientation)
}

func TestSubscribeVelocity(t *testing.T) {
	sink, _ := newTestSink(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sink.SubscribeVelocity(ctx)
	require.NoError(t, err)

	require.NoError(t, sink.PublishVelocity(navigation.VelocityOutput{Speed: 1.25}))

	select {
	case v := <-ch:
		assert.Equal(t, 1.25, v.Speed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published velocity")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishFailsWhenServerDown(t *testing.T) {
	sink, mr := newTestSink(t, "")
	mr.Close()
	assert.Error(t, sink.PublishVelocity(navigation.VelocityOutput{}))
}
