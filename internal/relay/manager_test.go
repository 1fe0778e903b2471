package relay

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/browserlink/browserlink/internal/activity"
	"github.com/browserlink/browserlink/internal/store"
	"github.com/browserlink/browserlink/internal/transport"
)

// ── fakes ─────────────────────────────────────────────────────────────────

type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	failSend bool
	closed   bool
	events   chan transport.Event
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan transport.Event, 256)}
}

func (c *fakeConn) Events() <-chan transport.Event { return c.events }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("fake send failure")
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.drop(errors.New("connection closed"))
	return nil
}

// drop simulates the link going away.
func (c *fakeConn) drop(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.events <- transport.Event{Kind: transport.EventClosed, Err: err}
		close(c.events)
	})
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver feeds one inbound frame.
func (c *fakeConn) deliver(data []byte) {
	c.events <- transport.Event{Kind: transport.EventFrame, Data: data}
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) setFailSend(fail bool) {
	c.mu.Lock()
	c.failSend = fail
	c.mu.Unlock()
}

type fakeDialer struct {
	mu    sync.Mutex
	err   error
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeSettings struct {
	mu sync.Mutex
	ep Endpoint
}

func (s *fakeSettings) Endpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ep
}

func (s *fakeSettings) Capabilities() []string {
	return []string{"navigate", "screenshot"}
}

// ── helpers ───────────────────────────────────────────────────────────────

func newTestBuffer(t *testing.T) *activity.Buffer {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Migrate(db))
	return activity.NewBuffer(db, zap.NewNop())
}

func newTestManager(t *testing.T) (*Manager, *fakeDialer, *fakeSettings, *activity.Buffer) {
	t.Helper()
	dialer := &fakeDialer{}
	settings := &fakeSettings{ep: Endpoint{URL: "ws://controller:8090", DisplayName: "test-agent"}}
	buffer := newTestBuffer(t)
	mgr := NewManager(dialer, settings, buffer, zap.NewNop())
	return mgr, dialer, settings, buffer
}

// compressBackoff makes reconnect timing test-friendly.
func compressBackoff(t *testing.T) {
	t.Helper()
	origBase, origMax := backoffBase, backoffMax
	backoffBase = time.Millisecond
	backoffMax = 5 * time.Millisecond
	t.Cleanup(func() {
		backoffBase, backoffMax = origBase, origMax
	})
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Status().Connected
	}, 2*time.Second, 5*time.Millisecond)
}

func decodeFrame(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// ── tests ─────────────────────────────────────────────────────────────────

func TestBackoffDelaySchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s capped
		{6, 30 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoffDelay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestConnectWithoutEndpointIsNoop(t *testing.T) {
	mgr, dialer, settings, _ := newTestManager(t)
	settings.mu.Lock()
	settings.ep = Endpoint{}
	settings.mu.Unlock()

	mgr.Connect()

	assert.Equal(t, transport.StateDisconnected, mgr.State())
	assert.Equal(t, 0, dialer.dialCount())
}

func TestConnectSendsHello(t *testing.T) {
	mgr, dialer, _, _ := newTestManager(t)
	mgr.Connect()
	waitConnected(t, mgr)

	frames := dialer.last().frames()
	require.NotEmpty(t, frames)
	hello := decodeFrame(t, frames[0])
	assert.Equal(t, "hello", hello["type"])
	assert.Equal(t, "remote-browser-controller", hello["client"])
	assert.Equal(t, "test-agent", hello["name"])
}

func TestSendFailsFastWhenDisconnected(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	err := mgr.Send(map[string]any{"type": "hello"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestOpenFlushesBufferedActivity(t *testing.T) {
	mgr, dialer, _, buffer := newTestManager(t)

	// 150 activity events recorded while disconnected, 50 past ring capacity.
	for i := 0; i < 150; i++ {
		buffer.Record("click", map[string]any{"seq": i})
	}

	mgr.Connect()
	waitConnected(t, mgr)

	require.Eventually(t, func() bool {
		return len(dialer.last().frames()) == 1+activity.RingCapacity
	}, 2*time.Second, 5*time.Millisecond)

	frames := dialer.last().frames()
	first := decodeFrame(t, frames[1])
	last := decodeFrame(t, frames[len(frames)-1])
	assert.Equal(t, "userActivity", first["type"])
	// Exactly the last 100 recorded events, oldest surviving entry first.
	assert.Equal(t, float64(50), first["data"].(map[string]any)["seq"])
	assert.Equal(t, float64(149), last["data"].(map[string]any)["seq"])
	assert.Equal(t, 0, buffer.Len())
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	compressBackoff(t)
	mgr, dialer, _, _ := newTestManager(t)
	mgr.Connect()
	waitConnected(t, mgr)

	mgr.Disconnect()
	require.Eventually(t, func() bool {
		return mgr.State() == transport.StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(), "no reconnect after explicit disconnect")
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	compressBackoff(t)
	mgr, dialer, _, _ := newTestManager(t)
	mgr.Connect()
	waitConnected(t, mgr)

	dialer.last().drop(errors.New("network gone"))

	require.Eventually(t, func() bool {
		return dialer.dialCount() == 2 && mgr.Status().Connected
	}, 2*time.Second, 5*time.Millisecond)

	// A successful open resets the attempt counter.
	assert.Equal(t, 0, mgr.Status().Attempts)
}

func TestReconnectStopsAfterMaxAttempts(t *testing.T) {
	compressBackoff(t)
	mgr, dialer, _, _ := newTestManager(t)
	dialer.mu.Lock()
	dialer.err = errors.New("refused")
	dialer.mu.Unlock()

	mgr.Connect()

	// The manual dial plus five scheduled retries, then nothing.
	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return mgr.attempts > maxReconnectAttempts
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, transport.StateDisconnected, mgr.State())
	assert.Equal(t, 6, mgr.Status().Attempts)
}

func TestSettingsChangeResetsAttemptsAndReconnects(t *testing.T) {
	compressBackoff(t)
	mgr, dialer, _, _ := newTestManager(t)
	dialer.mu.Lock()
	dialer.err = errors.New("refused")
	dialer.mu.Unlock()

	mgr.Connect()
	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return mgr.attempts > maxReconnectAttempts
	}, 2*time.Second, 5*time.Millisecond)

	dialer.mu.Lock()
	dialer.err = nil
	dialer.mu.Unlock()

	mgr.NotifySettingsChanged()
	waitConnected(t, mgr)
	assert.Equal(t, 0, mgr.Status().Attempts)
}

func TestConnectReplacesLiveTransport(t *testing.T) {
	mgr, dialer, _, _ := newTestManager(t)
	mgr.Connect()
	waitConnected(t, mgr)
	first := dialer.last()

	mgr.Connect()
	waitConnected(t, mgr)

	assert.Equal(t, 2, dialer.dialCount())
	// The prior transport was closed before the new one opened.
	assert.True(t, first.isClosed())
	assert.True(t, mgr.Status().Connected)
}
