package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chrissnell/remoteflood/internal/database"
	"github.com/chrissnell/remoteflood/internal/fusion"
	"github.com/chrissnell/remoteflood/internal/radio"
	"github.com/chrissnell/remoteflood/internal/storage"
	"github.com/chrissnell/remoteflood/internal/wire"
	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type broadcastCall struct {
	level   uint8
	message string
}

type sentMessage struct {
	dst uint8
	msg wire.Message
}

type fakeRadio struct {
	mu         sync.Mutex
	handlers   map[wire.MessageType][]radio.Handler
	broadcasts []broadcastCall
	sent       []sentMessage
	nodes      map[uint8]radio.NodeStatus
	fail       bool
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{handlers: map[wire.MessageType][]radio.Handler{}, nodes: map[uint8]radio.NodeStatus{}}
}

func (r *fakeRadio) Address() uint8 { return wire.GatewayAddr }

func (r *fakeRadio) On(t wire.MessageType, h radio.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = append(r.handlers[t], h)
	return nil
}

func (r *fakeRadio) SendMessage(dst uint8, msg wire.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{dst, msg})
	return !r.fail
}

func (r *fakeRadio) BroadcastAlert(level uint8, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, broadcastCall{level, message})
	return !r.fail
}

func (r *fakeRadio) NodeStatus() map[uint8]radio.NodeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint8]radio.NodeStatus, len(r.nodes))
	for k, v := range r.nodes {
		out[k] = v
	}
	return out
}

func (r *fakeRadio) deliver(t *testing.T, src uint8, msg wire.Message) {
	t.Helper()
	p := wire.Packet{Src: src, Dst: wire.GatewayAddr, Type: msg.Type(), Payload: msg.MarshalPayload()}
	r.mu.Lock()
	hs := append([]radio.Handler(nil), r.handlers[p.Type]...)
	r.mu.Unlock()
	require.NotEmpty(t, hs, "no handler for %s", p.Type)
	for _, h := range hs {
		require.NoError(t, h(t.Context(), p, msg))
	}
}

func (r *fakeRadio) broadcastCalls() []broadcastCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcastCall(nil), r.broadcasts...)
}

func (r *fakeRadio) lastSent() sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

type fakePublisher struct {
	mu        sync.Mutex
	decisions []fusion.FloodDecision
}

func (p *fakePublisher) Publish(d fusion.FloodDecision) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisions = append(p.decisions, d)
	return true
}

type fakeHistory struct {
	stationID string
	since     time.Time
	err       error
}

func (h *fakeHistory) LevelHistory(_ context.Context, stationID string, since time.Time) ([]database.LevelBucket, error) {
	h.stationID, h.since = stationID, since
	if h.err != nil {
		return nil, h.err
	}
	level := 2.4
	return []database.LevelBucket{{StationID: stationID, WaterLevel: &level, Score: 52, MaxLevel: 2}}, nil
}

var testStations = []config.StationRefData{
	{Address: 0x11, ID: "river-bend", Name: "River Bend"},
	{Address: 0x12, ID: "mill-creek"},
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *fakeRadio, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC))
	r := newFakeRadio()
	cfg := config.GatewayData{AreaBroadcastLevel: 3, Stations: testStations}
	s := New(cfg, r, zap.NewNop().Sugar(), append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, s.subscribe())
	return s, r, clock
}

func TestReportsUpdateRegistry(t *testing.T) {
	s, r, clock := newTestServer(t)

	r.deliver(t, 0x11, wire.HeartbeatMsg{UptimeSec: 3600})
	r.deliver(t, 0x11, wire.WaterLevelReport{LevelMM: 2450})
	r.deliver(t, 0x11, wire.WeatherReport{TempDeciC: -35, HumidityDeciPct: 912})
	r.deliver(t, 0x11, wire.CloudCoverReport{CoverPct: 85, CloudType: 5, RainProbability: 95})
	r.deliver(t, 0x11, wire.AlertReport{Level: 2, Score: 55})

	st, ok := s.Registry().ByID("river-bend")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), st.LastSeen)
	assert.Equal(t, uint32(3600), st.UptimeSec)
	require.NotNil(t, st.LevelM)
	assert.InDelta(t, 2.45, *st.LevelM, 1e-9)
	assert.InDelta(t, -3.5, *st.TemperatureC, 1e-9)
	assert.InDelta(t, 91.2, *st.HumidityPct, 1e-9)
	assert.Equal(t, "cumulonimbus", st.CloudType)
	assert.Equal(t, 2, st.AlertLevel)
	assert.Equal(t, 55.0, st.Score)
	assert.Equal(t, clock.Now(), st.AlertAt)
}

func TestUnknownStationIsAdded(t *testing.T) {
	s, r, _ := newTestServer(t)
	r.deliver(t, 0x2a, wire.HeartbeatMsg{UptimeSec: 1})

	st, ok := s.Registry().Get(0x2a)
	require.True(t, ok)
	assert.Equal(t, "node-2a", st.ID)
	assert.Len(t, s.Registry().All(), 3)
}

func TestAreaBroadcast(t *testing.T) {
	pub := &fakePublisher{}
	_, r, _ := newTestServer(t, WithPublisher(pub))

	steps := []struct {
		level uint8
		want  int
	}{
		{1, 0},
		{3, 1}, // climbed to the area level
		{3, 1}, // still there
		{4, 2}, // climbed further
		{2, 2},
		{3, 3}, // climbed again
	}
	for _, step := range steps {
		r.deliver(t, 0x11, wire.AlertReport{Level: step.level, Score: step.level * 20})
		assert.Len(t, r.broadcastCalls(), step.want, "after level %d", step.level)
	}

	calls := r.broadcastCalls()
	assert.Equal(t, uint8(3), calls[0].level)
	assert.Contains(t, calls[0].message, "River Bend")
	assert.Equal(t, uint8(4), calls[1].level)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.decisions, len(steps))
	d := pub.decisions[1]
	assert.Equal(t, "river-bend", d.StationID)
	assert.Equal(t, fusion.LevelDanger, d.Level)
	assert.Equal(t, fusion.TrendRising, d.Trend)
	assert.Equal(t, fusion.Actions(fusion.LevelDanger), d.Actions)
}

func TestCustomAreaMessage(t *testing.T) {
	r := newFakeRadio()
	s := New(config.GatewayData{AreaBroadcastLevel: 2, AreaBroadcastMessage: "Move to high ground"}, r, zap.NewNop().Sugar())
	require.NoError(t, s.subscribe())

	r.deliver(t, 0x30, wire.AlertReport{Level: 2, Score: 45})
	require.Len(t, r.broadcastCalls(), 1)
	assert.Equal(t, "Move to high ground", r.broadcastCalls()[0].message)
}

func TestRepliesAreRecorded(t *testing.T) {
	s, r, _ := newTestServer(t)

	r.deliver(t, 0x12, wire.AckMsg{Seq: 4, Kind: wire.SirenCommand})
	st, _ := s.Registry().Get(0x12)
	require.NotNil(t, st.LastReply)
	assert.True(t, st.LastReply.Ok)
	assert.Equal(t, "siren-cmd", st.LastReply.Command)

	r.deliver(t, 0x12, wire.NackMsg{Seq: 5, Kind: wire.CalibrateCommand, Reason: wire.NackDisabled})
	st, _ = s.Registry().Get(0x12)
	assert.False(t, st.LastReply.Ok)
	assert.Equal(t, "disabled", st.LastReply.Reason)
}

func TestWebsocketFeed(t *testing.T) {
	s, r, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go s.hub.Run(ctx)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Eventually(t, func() bool { return s.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	r.deliver(t, 0x11, wire.WaterLevelReport{LevelMM: 1800})

	var ev struct {
		Type    string       `json:"type"`
		Payload StationState `json:"payload"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventStation, ev.Type)
	assert.Equal(t, "river-bend", ev.Payload.ID)
	require.NotNil(t, ev.Payload.LevelM)
	assert.InDelta(t, 1.8, *ev.Payload.LevelM, 1e-9)
}

func TestHistoryRequestsSince(t *testing.T) {
	h := &fakeHistory{}
	s, _, clock := newTestServer(t, WithHistory(h))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stations/river-bend/history?hours=6", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "river-bend", h.stationID)
	assert.Equal(t, clock.Now().Add(-6*time.Hour), h.since)
	assert.Contains(t, rec.Body.String(), `"water_level":2.4`)

	h.err = errors.New("connection refused")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stations/river-bend/history", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusIncludesStorageHealth(t *testing.T) {
	hm := storage.NewHealthManager()
	hm.UpdateHealth("mqtt", storage.CreateHealthData(storage.StatusHealthy, "connected", nil))
	s, r, _ := newTestServer(t, WithStorageHealth(hm))
	r.nodes[0x11] = radio.NodeStatus{Address: 0x11, Online: true}
	r.nodes[0x12] = radio.NodeStatus{Address: 0x12}

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"nodes_online":1`)
	assert.Contains(t, rec.Body.String(), `"stations":2`)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}
