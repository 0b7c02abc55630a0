package syncsvc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorwatch/internal/config"
	"anchorwatch/internal/models"
	"anchorwatch/internal/redis"
	"anchorwatch/internal/relay"
	"anchorwatch/internal/storage"
)

const wait = 2 * time.Second

type countingRelay struct {
	relay.Relay
	subscribes atomic.Int32
}

func (c *countingRelay) Subscribe(ctx context.Context, topic string) (relay.Subscription, error) {
	c.subscribes.Add(1)
	return c.Relay.Subscribe(ctx, topic)
}

func fastOptions() Options {
	return Options{HeartbeatInterval: 20 * time.Millisecond, PeerTimeout: 80 * time.Millisecond}
}

func newService(t *testing.T, r relay.Relay, store storage.Store, code string) *Service {
	t.Helper()
	opts := fastOptions()
	if code != "" {
		opts.NewCode = func() string { return code }
	}
	s := NewService(r, store, opts)
	t.Cleanup(func() { s.Close() })
	return s
}

type broadcastLog struct {
	mu  sync.Mutex
	got []models.PositionBroadcast
}

func (l *broadcastLog) add(b models.PositionBroadcast) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, b)
}

func (l *broadcastLog) items() []models.PositionBroadcast {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.PositionBroadcast(nil), l.got...)
}

func sample(distance float64, ts int64) models.PositionBroadcast {
	return models.PositionBroadcast{
		Vessel:      models.Position{Latitude: 10, Longitude: 20.001, AccuracyMeters: 4, TimestampMs: ts},
		Anchor:      models.Position{Latitude: 10, Longitude: 20, AccuracyMeters: 3, TimestampMs: 1},
		Distance:    distance,
		SwingRadius: 43.31,
		IsAlarm:     distance > 43.31,
		Config:      models.AnchorWatchConfig{RodeLength: 40, WaterDepth: 8, RodeType: models.RodeChain, SafetyMarginMeters: 10, ScopeRatio: 5},
		Timestamp:   ts,
	}
}

func TestValidCode(t *testing.T) {
	for _, code := range []string{"000000", "123456", "999999"} {
		assert.True(t, ValidCode(code), code)
	}
	for _, code := range []string{"", "12345", "1234567", "12345a", " 123456", "12 456", "١٢٣٤٥٦"} {
		assert.False(t, ValidCode(code), code)
	}
	for i := 0; i < 100; i++ {
		assert.True(t, ValidCode(NewCode()))
	}
}

func TestJoinRejectsMalformedCodeWithoutSubscribing(t *testing.T) {
	mem := relay.NewMemoryRelay()
	defer mem.Close()
	r := &countingRelay{Relay: mem}
	s := newService(t, r, storage.NewMemoryStore(), "")

	for _, code := range []string{"", "12345", "abcdef", "1234567"} {
		assert.ErrorIs(t, s.JoinSession(context.Background(), code), ErrInvalidCode)
	}
	assert.Zero(t, r.subscribes.Load())
	assert.False(t, s.State().Connected)
}

func TestJoinUnreachableChannel(t *testing.T) {
	mem := relay.NewMemoryRelay()
	defer mem.Close()
	store := storage.NewMemoryStore()
	s := newService(t, mem, store, "")

	mem.SetSubscribeError(assert.AnError)
	err := s.JoinSession(context.Background(), "123456")
	require.ErrorIs(t, err, ErrChannelUnavailable)

	st := s.State()
	assert.False(t, st.Connected)
	assert.Equal(t, models.RoleNone, st.Role)
	_, err = store.Get(context.Background(), sessionKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateSession(t *testing.T) {
	mem := relay.NewMemoryRelay()
	defer mem.Close()
	store := storage.NewMemoryStore()
	s := newService(t, mem, store, "424242")

	var states []models.SyncState
	s.OnStateChange(func(st models.SyncState) { states = append(states, st) })

	code, err := s.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "424242", code)

	want := models.SyncState{Connected: true, SessionCode: "424242", Role: models.RoleVessel, DeviceID: s.DeviceID()}
	if diff := cmp.Diff(s.State(), want); diff != "" {
		t.Errorf("state (-got +want):\n%s", diff)
	}
	require.NotEmpty(t, states)
	assert.Equal(t, want, states[0])

	rec, ok := loadSession(context.Background(), store)
	require.True(t, ok)
	assert.Equal(t, "424242", rec.Code)
	assert.Equal(t, models.RoleVessel, rec.Role)
	assert.Equal(t, s.DeviceID(), rec.DeviceID)
}

func TestBroadcastReachesShoreInOrder(t *testing.T) {
	mem := relay.NewMemoryRelay()
	defer mem.Close()
	ctx := context.Background()

	vessel := newService(t, mem, storage.NewMemoryStore(), "123456")
	shore := newService(t, mem, storage.NewMemoryStore(), "")
	require.NotEqual(t, vessel.DeviceID(), shore.DeviceID())

	var received broadcastLog
	shore.OnBroadcast(received.add)

	_, err := vessel.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, shore.JoinSession(ctx, "123456"))
	assert.Equal(t, models.RoleShore, shore.State().Role)

	require.Eventually(t, func() bool {
		return vessel.State().PeerConnected && shore.State().PeerConnected
	}, wait, 10*time.Millisecond)

	first, second := sample(20, 1000), sample(50, 6000)
	require.NoError(t, vessel.BroadcastPosition(ctx, first))
	require.NoError(t, vessel.BroadcastPosition(ctx, second))

	require.Eventually(t, func() bool { return len(received.items()) == 2 }, wait, 10*time.Millisecond)
	if diff := cmp.Diff(received.items(), []models.PositionBroadcast{first, second}); diff != "" {
		t.Errorf("broadcasts (-got +want):\n%s", diff)
	}
	last, ok := shore.LastBroadcast()
	require.True(t, ok)
	assert.Equal(t, second, last)
	assert.NotZero(t, shore.State().LastBroadcastAt)

	_, ok = vessel.LastBroadcast()
	assert.False(t, ok)
}

func TestLateShoreGetsNoReplay(t *testing.T) {
	mem := relay.NewMemoryRelay()
	defer mem.Close()
	ctx := context.Background()

	vessel := newService(t, mem, storage.NewMemoryStore(), "123456")
	_, err := vessel.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, vessel.BroadcastPosition(ctx, sample(10, 1)))

	shore := newService(t, mem, storage.NewMemoryStore(), "")
	var received broadcastLog
	shore.OnBroadcast(received.add)
	require.NoError(t, shore.JoinSession(ctx, "123456"))

	after := sample(12, 2)
	require.NoError(t, vessel.BroadcastPosition(ctx, after))
	require.Eventually(t, func() bool { return len(received.items()) == 1 }, wait, 10*time.Millisecond)
	assert.Equal(t, after, received.items()[0])
}

func TestBroadcastRequiresConnectedVessel(t *testing.T) {
	mem := relay.NewMemoryRelay()
	defer mem.Close()
	ctx := context.Background()

	vessel := newService(t, mem, storage.NewMemoryStore(), "123456")
	shore := newService(t, mem, storage.NewMemoryStore(), "")

	assert.ErrorIs(t, vessel.BroadcastPosition(ctx, sample(1, 1)), ErrNotVessel)

	_, err := vessel.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, shore.JoinSession(ctx, "123456"))
	assert.ErrorIs(t, shore.BroadcastPosition(ctx, sample(1, 1)), ErrNotVessel)

	mem.Drop("session:123456")
	require.Eventually(t, func() bool { return !vessel.State().Connected }, wait, 10*time.Millisecond)
	assert.ErrorIs(t, vessel.BroadcastPosition(ctx, sample(1, 1)), ErrNotConnected)
}

func TestLeaveSession(t *testing.T) {
	mem := relay.NewMemoryRelay()
	defer mem.Close()
	ctx := context.Background()

	vesselStore, shoreStore := storage.NewMemoryStore(), storage.NewMemoryStore()
	vessel := newService(t, mem, vesselStore, "123456")
	shore := newService(t, mem, shoreStore, "")

	_, err := vessel.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, shore.JoinSession(ctx, "123456"))
	require.Eventually(t, func() bool { return vessel.State().PeerConnected }, wait, 10*time.Millisecond)

	require.NoError(t, shore.LeaveSession(ctx))
	want := models.SyncState{Role: models.RoleNone, DeviceID: shore.DeviceID()}
	if diff := cmp.Diff(shore.State(), want); diff != "" {
		t.Errorf("state after leave (-got +want):\n%s", diff)
	}
	require.Eventually(t, func() bool { return !vessel.State().PeerConnected }, wait, 10*time.Millisecond)
	assert.True(t, vessel.State().Connected)

	_, err = shoreStore.Get(ctx, sessionKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, shore.RestoreSession(ctx))
}

func TestLeaveWhileBroadcasting(t *testing.T) {
	for i := 0; i < 20; i++ {
		mem := relay.NewMemoryRelay()
		ctx := context.Background()

		vessel := newService(t, mem, storage.NewMemoryStore(), "123456")
		shore := newService(t, mem, storage.NewMemoryStore(), "")
		var received broadcastLog
		shore.OnBroadcast(received.add)

		_, err := vessel.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, shore.JoinSession(ctx, "123456"))
		require.Eventually(t, func() bool { return shore.State().PeerConnected }, wait, 5*time.Millisecond)

		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ts := int64(1); ; ts++ {
				select {
				case <-stop:
					return
				default:
				}
				if err := vessel.BroadcastPosition(ctx, sample(5, ts)); err != nil {
					assert.True(t, errors.Is(err, ErrNotConnected) || errors.Is(err, ErrNotVessel), err)
					return
				}
			}
		}()

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, vessel.LeaveSession(ctx))
		close(stop)
		<-done

		require.Eventually(t, func() bool { return !shore.State().PeerConnected }, wait, 5*time.Millisecond)
		settled := len(received.items())
		time.Sleep(30 * time.Millisecond)
		assert.False(t, shore.State().PeerConnected, "run %d", i)
		assert.Len(t, received.items(), settled, "run %d", i)

		mem.Close()
	}
}

func TestLeaveReportsDisconnectFirst(t *testing.T) {
	mem := relay.NewMemoryRelay()
	defer mem.Close()
	ctx := context.Background()

	vessel := newService(t, mem, storage.NewMemoryStore(), "123456")
	_, err := vessel.CreateSession(ctx)
	require.NoError(t, err)

	var states []models.SyncState
	vessel.OnStateChange(func(st models.SyncState) { states = append(states, st) })
	require.NoError(t, vessel.LeaveSession(ctx))

	require.Len(t, states, 2)
	assert.False(t, states[0].Connected)
	assert.Equal(t, models.RoleVessel, states[0].Role)
	assert.Equal(t, "123456", states[0].SessionCode)
	assert.Equal(t, models.RoleNone, states[1].Role)
	assert.ErrorIs(t, vessel.BroadcastPosition(ctx, sample(1, 1)), ErrNotVessel)
}

func TestRestoreSessionAfterRestart(t *testing.T) {
	mem := relay.NewMemoryRelay()
	defer mem.Close()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	before := NewService(mem, store, fastOptions())
	before.opts.NewCode = func() string { return "777777" }
	_, err := before.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, before.Close())
	assert.False(t, before.State().Connected)

	after := newService(t, mem, store, "")
	assert.Equal(t, before.DeviceID(), after.DeviceID())
	require.True(t, after.RestoreSession(ctx))

	st := after.State()
	assert.True(t, st.Connected)
	assert.Equal(t, "777777", st.SessionCode)
	assert.Equal(t, models.RoleVessel, st.Role)

	// already connected
	assert.False(t, after.RestoreSession(ctx))
}

func TestRestoreIgnoresBadRecords(t *testing.T) {
	mem := relay.NewMemoryRelay()
	defer mem.Close()
	ctx := context.Background()

	for name, blob := range map[string]string{
		"corrupt":   `{"code":`,
		"version":   `{"code":"123456","role":"vessel","version":9}`,
		"bad code":  `{"code":"12","role":"vessel","version":1}`,
		"bad role":  `{"code":"123456","role":"captain","version":1}`,
		"none role": `{"code":"123456","role":"none","version":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			require.NoError(t, store.Set(ctx, sessionKey, []byte(blob)))
			s := newService(t, mem, store, "")
			assert.False(t, s.RestoreSession(ctx))
			assert.False(t, s.State().Connected)
		})
	}
}

func TestChannelDrop(t *testing.T) {
	mem := relay.NewMemoryRelay()
	defer mem.Close()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	s := newService(t, mem, store, "123456")

	dropped := make(chan models.SyncState, 8)
	s.OnStateChange(func(st models.SyncState) {
		if !st.Connected {
			dropped <- st
		}
	})

	_, err := s.CreateSession(ctx)
	require.NoError(t, err)
	mem.Drop("session:123456")

	select {
	case st := <-dropped:
		assert.Equal(t, "123456", st.SessionCode)
		assert.Equal(t, models.RoleVessel, st.Role)
		assert.False(t, st.PeerConnected)
	case <-time.After(wait):
		t.Fatal("drop not reported")
	}

	// no silent reconnect, but the saved session is still there
	time.Sleep(50 * time.Millisecond)
	assert.False(t, s.State().Connected)
	require.True(t, s.RestoreSession(ctx))
	assert.True(t, s.State().Connected)
}

func TestCreateLeavesPreviousSession(t *testing.T) {
	mem := relay.NewMemoryRelay()
	defer mem.Close()
	ctx := context.Background()

	codes := []string{"111111", "222222"}
	s := NewService(mem, storage.NewMemoryStore(), fastOptions())
	defer s.Close()
	s.opts.NewCode = func() string {
		c := codes[0]
		codes = codes[1:]
		return c
	}

	shore := newService(t, mem, storage.NewMemoryStore(), "")
	_, err := s.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, shore.JoinSession(ctx, "111111"))
	require.Eventually(t, func() bool { return shore.State().PeerConnected }, wait, 10*time.Millisecond)

	code, err := s.CreateSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "222222", code)
	require.Eventually(t, func() bool { return !shore.State().PeerConnected }, wait, 10*time.Millisecond)
}

func TestObserversUnsubscribe(t *testing.T) {
	mem := relay.NewMemoryRelay()
	defer mem.Close()
	s := newService(t, mem, storage.NewMemoryStore(), "123456")

	var calls int
	unsubscribe := s.OnStateChange(func(models.SyncState) { calls++ })
	unsubscribe()
	_, err := s.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func newRedisRelay(t *testing.T) (*relay.RedisRelay, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client := redis.NewClient(config.RedisConfig{Host: host, Port: port, Prefix: "test"})
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return relay.NewRedisRelay(client), client
}

func TestPeerTimeoutWithoutRelayPresence(t *testing.T) {
	r, client := newRedisRelay(t)
	defer r.Close()
	ctx := context.Background()
	s := newService(t, r, storage.NewMemoryStore(), "123456")

	_, err := s.CreateSession(ctx)
	require.NoError(t, err)

	// our own heartbeats come back over redis and must not count as a peer
	time.Sleep(100 * time.Millisecond)
	assert.False(t, s.State().PeerConnected)

	hello, err := json.Marshal(envelope{Type: envelopePresence, From: "shore-device", Role: models.RoleShore})
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, "relay:session:123456", hello))
	require.Eventually(t, func() bool { return s.State().PeerConnected }, wait, 5*time.Millisecond)

	// silence for longer than the peer timeout
	require.Eventually(t, func() bool { return !s.State().PeerConnected }, wait, 10*time.Millisecond)
	assert.True(t, s.State().Connected)
}

func TestRedisJoinSeesExistingVessel(t *testing.T) {
	r, _ := newRedisRelay(t)
	defer r.Close()
	ctx := context.Background()
	opts := Options{HeartbeatInterval: time.Hour, NewCode: func() string { return "123456" }}

	vessel := NewService(r, storage.NewMemoryStore(), opts)
	defer vessel.Close()
	shore := NewService(r, storage.NewMemoryStore(), opts)
	defer shore.Close()

	_, err := vessel.CreateSession(ctx)
	require.NoError(t, err)
	assert.False(t, vessel.State().PeerConnected)

	require.NoError(t, shore.JoinSession(ctx, "123456"))
	require.Eventually(t, func() bool {
		return shore.State().PeerConnected && vessel.State().PeerConnected
	}, wait, 5*time.Millisecond)
}

func TestLeaveEnvelopeEndsPresence(t *testing.T) {
	r, client := newRedisRelay(t)
	defer r.Close()
	ctx := context.Background()
	s := NewService(r, storage.NewMemoryStore(), Options{HeartbeatInterval: time.Hour, NewCode: func() string { return "123456" }})
	defer s.Close()

	_, err := s.CreateSession(ctx)
	require.NoError(t, err)

	for _, kind := range []string{envelopePresence, envelopeLeave} {
		data, err := json.Marshal(envelope{Type: kind, From: "shore-device", Role: models.RoleShore})
		require.NoError(t, err)
		require.NoError(t, client.Publish(ctx, "relay:session:123456", data))
		want := kind == envelopePresence
		require.Eventually(t, func() bool { return s.State().PeerConnected == want }, wait, 5*time.Millisecond, kind)
	}
}
