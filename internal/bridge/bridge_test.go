package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/treadmill-bridge/internal/broadcast"
	"github.com/lowaak/treadmill-bridge/internal/bt"
	"github.com/lowaak/treadmill-bridge/internal/session"
	"github.com/lowaak/treadmill-bridge/internal/store"
	"github.com/lowaak/treadmill-bridge/internal/treadmill"
)

const mockAddress = "AA:BB:CC:DD:EE:01"

type fakeRemote struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeRemote) Upsert(_ context.Context, rec store.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, rec.ID)
	return nil
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

type fixture struct {
	bridge    *Bridge
	treadmill *bt.MockTreadmill
	remote    *fakeRemote
	sub       *redis.PubSub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	mock := bt.NewMockTreadmill(logger, mockAddress, "Mock Treadmill")
	manager := bt.NewMockBTManager(logger, mock)
	agg := session.NewAggregator(session.DefaultLimits(), logger)

	cfg := treadmill.DefaultConfig()
	cfg.Address = mockAddress
	cfg.RetryBackoff = time.Millisecond
	link := treadmill.NewLink(cfg, manager, agg, logger)

	local, err := store.NewSQLiteLocal(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	remote := &fakeRemote{}
	st := store.NewStore(local, remote, store.Options{}, logger)

	server := miniredis.RunT(t)
	pubCfg := broadcast.Config{Addr: server.Addr(), ShutdownMessage: "bye"}
	publisher := broadcast.NewPublisher(broadcast.ConnectRedis(pubCfg), pubCfg, logger)

	subscriber := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { subscriber.Close() })
	sub := subscriber.Subscribe(context.Background(), "treadmill:records", "treadmill:shutdown")
	t.Cleanup(func() { sub.Close() })
	for i := 0; i < 2; i++ {
		_, err := sub.Receive(context.Background())
		require.NoError(t, err)
	}

	b := New(Args{
		Aggregator: agg,
		Link:       link,
		Store:      st,
		Publisher:  publisher,
		Logger:     logger,
	})
	t.Cleanup(b.Shutdown)

	return &fixture{bridge: b, treadmill: mock, remote: remote, sub: sub}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.bridge.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.bridge.Link().State() == treadmill.StateConnected
	}, time.Second, time.Millisecond)
}

func (f *fixture) records(t *testing.T) []store.Record {
	t.Helper()
	records, err := f.bridge.Store().List(context.Background())
	require.NoError(t, err)
	return records
}

func receive(t *testing.T, sub *redis.PubSub) *redis.Message {
	t.Helper()
	select {
	case msg := <-sub.Channel():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis message")
		return nil
	}
}

func TestBridge_LapRecordsStoredAndPublished(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.treadmill.SetSpeedCentiKmh(1200)
	f.treadmill.SetDistanceM(990)
	f.treadmill.Step(time.Second)
	f.treadmill.SetDistanceM(1000)
	f.treadmill.Step(time.Second)

	require.Eventually(t, func() bool { return len(f.records(t)) == 2 }, 2*time.Second, 5*time.Millisecond)
	records := f.records(t)
	assert.Equal(t, session.KindStart, records[0].Kind)
	assert.Equal(t, session.KindLap, records[1].Kind)
	assert.Equal(t, 1, records[1].Km)

	published := map[string]store.Record{}
	for i := 0; i < 2; i++ {
		msg := receive(t, f.sub)
		require.Equal(t, "treadmill:records", msg.Channel)
		var rec store.Record
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &rec))
		published[rec.ID] = rec
	}
	for _, rec := range records {
		assert.Contains(t, published, rec.ID)
	}

	assert.Eventually(t, func() bool { return f.remote.count() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestBridge_ManualSave(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.treadmill.SetSpeedCentiKmh(900)
	f.treadmill.Step(10 * time.Second)
	require.Eventually(t, func() bool {
		return f.bridge.Aggregator().Snapshot().SpeedCentiKmh == 900
	}, time.Second, time.Millisecond)

	rec := f.bridge.Aggregator().SaveSession()
	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Equal(t, session.KindManual, records[0].Kind)
	assert.Equal(t, 9.0, records[0].AvgSpeedKmh)
}

func TestBridge_LinkLossIdlesSession(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.treadmill.SetSpeedCentiKmh(1000)
	f.treadmill.SetDistanceM(1000)
	f.treadmill.Step(time.Second)
	require.Eventually(t, func() bool {
		m := f.bridge.Aggregator().Snapshot()
		return m.Active && len(m.Laps) == 1
	}, time.Second, time.Millisecond)

	f.bridge.Link().Disconnect()
	require.Eventually(t, func() bool {
		return !f.bridge.Aggregator().Snapshot().Active
	}, time.Second, time.Millisecond)
	assert.Len(t, f.bridge.Aggregator().Snapshot().Laps, 1)
}

func TestBridge_ShutdownPublishesNotice(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.bridge.Shutdown()
	f.bridge.Shutdown()

	msg := receive(t, f.sub)
	assert.Equal(t, "treadmill:shutdown", msg.Channel)
	assert.Equal(t, "bye", msg.Payload)
	assert.Equal(t, treadmill.StateDisconnected, f.bridge.Link().State())
	assert.False(t, f.treadmill.IsConnected())

	assert.Error(t, f.bridge.Start(context.Background()))
}

func TestBridge_StartTwice(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	assert.NoError(t, f.bridge.Start(context.Background()))
}

func TestBridge_ShutdownWithoutStart(t *testing.T) {
	f := newFixture(t)
	f.bridge.Shutdown()
	assert.Equal(t, treadmill.StateDisconnected, f.bridge.Link().State())
}
