// Package relay implements the agent-side connection and command-relay
// engine: the connection manager owning the transport lifecycle and
// reconnect backoff, and the relay wiring inbound commands to the browser
// executor and outbound telemetry to the controller.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/browserlink/browserlink/internal/activity"
	"github.com/browserlink/browserlink/internal/protocol"
	"github.com/browserlink/browserlink/internal/transport"
)

// maxReconnectAttempts caps automatic recovery; beyond it the agent waits
// for a manual Connect.
const maxReconnectAttempts = 5

// Backoff timing. Vars so tests can compress the schedule.
var (
	backoffBase = time.Second
	backoffMax  = 30 * time.Second
)

// ErrNotConnected is returned by Send when the link is not up. The caller
// decides whether to buffer; the transport never queues.
var ErrNotConnected = errors.New("relay: not connected")

// Endpoint is the controller address, immutable per connection attempt.
type Endpoint struct {
	URL         string
	DisplayName string
}

// SettingsProvider supplies the endpoint and capability set. A settings
// change is signalled through Manager.NotifySettingsChanged.
type SettingsProvider interface {
	Endpoint() Endpoint
	Capabilities() []string
}

// Status is the connection summary exposed to the hosting UI.
type Status struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
}

// Manager maintains a single logical connection to one endpoint, with
// automatic recovery. It is the only owner of connection state; all
// transitions happen under mu. Each dial attempt carries a generation
// number so results from superseded attempts are discarded instead of
// leaking a second live transport.
type Manager struct {
	dialer   transport.Dialer
	settings SettingsProvider
	buffer   *activity.Buffer
	log      *zap.Logger

	mu         sync.Mutex
	state      transport.ConnectionState
	conn       transport.Conn
	attempts   int
	gen        uint64
	retryTimer *time.Timer
	onFrame    func(data []byte)
}

// NewManager constructs a Manager in the Disconnected state.
func NewManager(dialer transport.Dialer, settings SettingsProvider, buffer *activity.Buffer, log *zap.Logger) *Manager {
	return &Manager{
		dialer:   dialer,
		settings: settings,
		buffer:   buffer,
		log:      log,
		state:    transport.StateDisconnected,
	}
}

// SetFrameHandler installs the inbound frame consumer. Must be called
// before Connect.
func (m *Manager) SetFrameHandler(h func(data []byte)) {
	m.mu.Lock()
	m.onFrame = h
	m.mu.Unlock()
}

// Connect cancels any pending reconnect timer, closes an existing transport,
// and dials the current endpoint. A no-op when no endpoint URL is configured.
func (m *Manager) Connect() {
	ep := m.settings.Endpoint()

	m.mu.Lock()
	if ep.URL == "" {
		m.mu.Unlock()
		m.log.Warn("relay: connect skipped, no endpoint configured")
		return
	}
	m.cancelRetryLocked()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = transport.StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.log.Info("relay: connecting", zap.String("url", ep.URL))
	go m.dial(gen, ep)
}

// Disconnect tears the connection down and suppresses the reconnect that
// the resulting close event would otherwise schedule.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.cancelRetryLocked()
	conn := m.conn
	if conn == nil {
		// Nothing live; a dial in flight sees Closing and discards itself.
		if m.state == transport.StateConnecting {
			m.state = transport.StateClosing
		} else {
			m.state = transport.StateDisconnected
		}
		m.mu.Unlock()
		return
	}
	m.state = transport.StateClosing
	m.mu.Unlock()

	m.log.Info("relay: disconnecting")
	_ = conn.Close()
}

// Send encodes and writes one envelope. Fails fast with ErrNotConnected
// unless the state is Connected.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == transport.StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// Status reports the current connection summary.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Connected: m.state == transport.StateConnected,
		State:     m.state.String(),
		Attempts:  m.attempts,
	}
}

// State returns the current connection state.
func (m *Manager) State() transport.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// NotifySettingsChanged resets the attempt counter and reconnects
// immediately, overriding any pending backoff timer.
func (m *Manager) NotifySettingsChanged() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()

	m.log.Info("relay: settings changed, reconnecting")
	m.Connect()
}

// ── internal ──────────────────────────────────────────────────────────────

// dial performs one connection attempt and hands a successful link to the
// event loop. Results of superseded attempts are closed and discarded.
func (m *Manager) dial(gen uint64, ep Endpoint) {
	conn, err := m.dialer.Dial(context.Background(), ep.URL)

	m.mu.Lock()
	if gen != m.gen || m.state == transport.StateClosing {
		if m.state == transport.StateClosing && gen == m.gen {
			m.state = transport.StateDisconnected
		}
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.log.Warn("relay: dial failed", zap.String("url", ep.URL), zap.Error(err))
		m.closedLocked()
		return
	}
	m.conn = conn
	m.state = transport.StateConnected
	m.attempts = 0
	m.mu.Unlock()

	m.log.Info("relay: connected", zap.String("url", ep.URL))
	m.sendHello(ep)
	m.flushBuffered()
	go m.eventLoop(gen, conn)
}

// eventLoop consumes one connection's events until it closes. Transport
// errors are logged only; the close event that follows drives the
// transition.
func (m *Manager) eventLoop(gen uint64, conn transport.Conn) {
	for ev := range conn.Events() {
		switch ev.Kind {
		case transport.EventFrame:
			m.mu.Lock()
			h := m.onFrame
			m.mu.Unlock()
			if h != nil {
				h(ev.Data)
			}
		case transport.EventErrored:
			m.log.Warn("relay: transport error", zap.Error(ev.Err))
		case transport.EventClosed:
			m.mu.Lock()
			if gen != m.gen {
				m.mu.Unlock()
				return
			}
			m.conn = nil
			if m.state == transport.StateClosing {
				m.state = transport.StateDisconnected
				m.mu.Unlock()
				m.log.Info("relay: disconnected")
				return
			}
			m.log.Warn("relay: connection lost", zap.Error(ev.Err))
			m.closedLocked()
			return
		}
	}
}

// closedLocked handles one disconnect: bump the attempt counter and either
// schedule a backoff retry or give up until a manual Connect.
// Called with mu held; releases it.
func (m *Manager) closedLocked() {
	m.state = transport.StateDisconnected
	m.attempts++
	attempt := m.attempts
	if attempt > maxReconnectAttempts {
		m.mu.Unlock()
		m.log.Warn("relay: reconnect attempts exhausted, manual connect required",
			zap.Int("attempts", attempt-1))
		return
	}
	delay := backoffDelay(attempt)
	m.retryTimer = time.AfterFunc(delay, m.Connect)
	m.mu.Unlock()

	m.log.Info("relay: reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
}

// cancelRetryLocked stops a pending reconnect timer. Called with mu held.
func (m *Manager) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) sendHello(ep Endpoint) {
	hello := protocol.NewHello(ep.DisplayName, m.settings.Capabilities())
	if err := m.Send(hello); err != nil {
		m.log.Warn("relay: send hello", zap.Error(err))
	}
}

// flushBuffered delivers the activity ring in one best-effort pass.
func (m *Manager) flushBuffered() {
	sent := m.buffer.Flush(func(e activity.Entry) error {
		return m.Send(protocol.NewActivityReport(e.Type, e.Data))
	})
	if sent > 0 {
		m.log.Info("relay: flushed buffered activity", zap.Int("count", sent))
	}
}

// backoffDelay returns min(backoffMax, backoffBase·2^attempt).
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffMax || d <= 0 {
		return backoffMax
	}
	return d
}
