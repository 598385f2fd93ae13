package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetap/pulsetap/internal/audiocore/meter"
	"github.com/pulsetap/pulsetap/internal/audiosystem"
	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/pulse"
	"github.com/pulsetap/pulsetap/internal/source"
)

type message struct {
	topic   string
	payload []byte
	retain  bool
}

type mockClient struct {
	mu           sync.Mutex
	connectErr   error
	connected    bool
	disconnected bool
	messages     []message
}

func (m *mockClient) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockClient) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message{topic: topic, payload: payload, retain: retain})
	return nil
}

func (m *mockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnected = true
}

func (m *mockClient) on(topic string) []message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []message
	for _, msg := range m.messages {
		if msg.topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

type mockSource struct {
	mu      sync.Mutex
	snap    audiosystem.Snapshot
	changes chan struct{}
}

func newMockSource() *mockSource {
	return &mockSource{snap: audiosystem.Snapshot{Status: pulse.Idle}, changes: make(chan struct{}, 1)}
}

func (s *mockSource) Snapshot() audiosystem.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *mockSource) Subscribe() (<-chan struct{}, func()) {
	return s.changes, func() {}
}

func (s *mockSource) set(snap audiosystem.Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	s.changes <- struct{}{}
}

func TestNewStatusMessage(t *testing.T) {
	t.Parallel()

	vlc := source.Source{ID: uuid.New(), Name: "VLC media player", Application: "vlc"}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := NewStatusMessage(audiosystem.Snapshot{
		Current:  &vlc,
		Selected: &vlc,
		Sources:  []source.Source{vlc},
		Status:   pulse.StreamStatus{State: pulse.StateConnected},
		Levels:   meter.Levels{Left: 0.5, Right: 0.25},
	}, now)

	assert.Equal(t, "VLC media player", msg.Source)
	assert.Equal(t, "vlc", msg.Application)
	assert.Equal(t, vlc.ID.String(), msg.SourceID)
	assert.Equal(t, "connected", msg.Status)
	assert.Equal(t, 1, msg.Sources)
	assert.Equal(t, "2026-03-01T12:00:00Z", msg.Timestamp)

	empty := NewStatusMessage(audiosystem.Snapshot{Status: pulse.Idle}, now)
	assert.Empty(t, empty.Source)
	assert.Equal(t, "idle", empty.Status)
}

func TestPublisherPublishesOnStartAndOnChange(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	src := newMockSource()
	cfg := Config{Topic: "desk"}
	p := NewPublisher(client, src, cfg, time.Hour).WithDiscovery(NewDiscovery(client, cfg, DiscoveryConfig{NodeID: "desk pc"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(client.on("desk/status")) == 1 }, time.Second, time.Millisecond)

	vlc := source.Source{ID: uuid.New(), Name: "VLC media player", Application: "vlc"}
	src.set(audiosystem.Snapshot{Current: &vlc, Status: pulse.StreamStatus{State: pulse.StateConnected}})

	require.Eventually(t, func() bool { return len(client.on("desk/status")) == 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, client.disconnected)

	msgs := client.on("desk/status")
	var last StatusMessage
	require.NoError(t, json.Unmarshal(msgs[1].payload, &last))
	assert.Equal(t, "VLC media player", last.Source)
	assert.Equal(t, "connected", last.Status)
	assert.True(t, msgs[1].retain)

	assert.Len(t, client.on("homeassistant/sensor/desk_pc/desk_pc_stream_status/config"), 1)
}

func TestPublisherReturnsConnectError(t *testing.T) {
	t.Parallel()

	client := &mockClient{connectErr: errors.NewStd("connection refused")}
	p := NewPublisher(client, newMockSource(), Config{}, time.Second)

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, client.on("pulsetap/status"))
}

func TestDiscoveryPayloads(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	d := NewDiscovery(client, Config{Topic: "pt", ClientID: "laptop"}, DiscoveryConfig{Version: "1.0.0"})
	require.NoError(t, d.Publish(context.Background()))

	msgs := client.on("homeassistant/sensor/laptop/laptop_source/config")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].retain)

	var payload DiscoveryPayload
	require.NoError(t, json.Unmarshal(msgs[0].payload, &payload))
	assert.Equal(t, "pt/status", payload.StateTopic)
	assert.Equal(t, "pt/availability", payload.AvailabilityTopic)
	assert.Equal(t, "pulsetap_laptop_source", payload.UniqueID)
	assert.Equal(t, "1.0.0", payload.Device.SWVersion)

	require.NoError(t, d.Remove(context.Background()))
	removed := client.on("homeassistant/sensor/laptop/laptop_source/config")
	require.Len(t, removed, 2)
	assert.Empty(t, removed[1].payload)
}

func TestSanitizeID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "desk_pc", SanitizeID("desk pc"))
	assert.Equal(t, "a_b", SanitizeID("__a//b__"))
	assert.Equal(t, "unknown", SanitizeID("///"))
}

func TestClientOptionsSetOfflineWill(t *testing.T) {
	t.Parallel()

	c, ok := NewClient(Config{Broker: "tcp://127.0.0.1:1883", ClientID: "pt", Topic: "pt"}, nil).(*client)
	require.True(t, ok)

	opts := c.clientOptions()
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://127.0.0.1:1883", opts.Servers[0].String())
	assert.Equal(t, "pt", opts.ClientID)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "pt/availability", opts.WillTopic)
	assert.Equal(t, []byte("offline"), opts.WillPayload)
	assert.True(t, opts.WillRetained)
}

func TestPublishWithoutConnectionFails(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{Broker: "tcp://127.0.0.1:1883"}, nil)
	err := c.Publish(context.Background(), "pt/status", []byte("{}"), false)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTPublish))
	assert.False(t, c.IsConnected())
	c.Disconnect()
}
