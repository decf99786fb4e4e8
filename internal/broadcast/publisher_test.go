package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/treadmill-bridge/internal/session"
	"github.com/lowaak/treadmill-bridge/internal/store"
)

func newTestPublisher(t *testing.T, cfg Config) (*Publisher, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	cfg.Addr = server.Addr()
	client := ConnectRedis(cfg)
	require.NotNil(t, client)
	p := NewPublisher(client, cfg, log.New(io.Discard, "", 0))
	t.Cleanup(func() { p.Close() })

	subscriber := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { subscriber.Close() })
	return p, subscriber
}

func receive(t *testing.T, sub *redis.PubSub) *redis.Message {
	t.Helper()
	select {
	case msg := <-sub.Channel():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestPublisher_PublishRecord(t *testing.T) {
	p, subscriber := newTestPublisher(t, Config{Prefix: "gym"})
	ctx := context.Background()

	sub := subscriber.Subscribe(ctx, "gym:records")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	rec := store.Record{
		ID:          "rec-1",
		Kind:        session.KindLap,
		DateTime:    "2024-05-01 07:30:00",
		Km:          2,
		ElapsedS:    660,
		AvgSpeedKmh: 10.9,
		AvgBpm:      140,
		EnergyKcal:  140,
		NeedsSync:   true,
	}
	require.NoError(t, p.PublishRecord(ctx, rec))

	msg := receive(t, sub)
	assert.Equal(t, "gym:records", msg.Channel)
	var got store.Record
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, rec, got)
}

func TestPublisher_PublishShutdown(t *testing.T) {
	p, subscriber := newTestPublisher(t, Config{ShutdownTopic: "kiosk/power", ShutdownMessage: "off"})
	ctx := context.Background()

	sub := subscriber.Subscribe(ctx, "kiosk/power")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, p.PublishShutdown(ctx))
	assert.Equal(t, "off", receive(t, sub).Payload)
}

func TestPublisher_DefaultChannels(t *testing.T) {
	p := NewPublisher(nil, Config{}, log.New(io.Discard, "", 0))
	assert.Equal(t, "treadmill:records", p.RecordsChannel())
	assert.Equal(t, "treadmill:shutdown", p.cfg.ShutdownTopic)
}

func TestPublisher_DisabledIsNoop(t *testing.T) {
	assert.Nil(t, ConnectRedis(Config{}))

	p := NewPublisher(nil, Config{ShutdownMessage: "bye"}, log.New(io.Discard, "", 0))
	assert.False(t, p.Enabled())
	assert.NoError(t, p.PublishRecord(context.Background(), store.Record{ID: "x"}))
	assert.NoError(t, p.PublishShutdown(context.Background()))
	assert.NoError(t, p.Close())

	var nilPublisher *Publisher
	assert.NoError(t, nilPublisher.PublishRecord(context.Background(), store.Record{}))
	assert.NoError(t, nilPublisher.PublishShutdown(context.Background()))
}

func TestPublisher_ServerDown(t *testing.T) {
	server := miniredis.RunT(t)
	cfg := Config{Addr: server.Addr(), ShutdownMessage: "bye"}
	client := ConnectRedis(cfg)
	p := NewPublisher(client, cfg, log.New(io.Discard, "", 0))
	defer p.Close()
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, p.PublishRecord(ctx, store.Record{ID: "x"}))
	assert.Error(t, p.PublishShutdown(ctx))
}
