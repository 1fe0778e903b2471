package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/browserlink/browserlink/internal/activity"
	"github.com/browserlink/browserlink/internal/protocol"
)

// DefaultCommandTimeout bounds one command execution. A timed-out command
// still yields exactly one error response.
const DefaultCommandTimeout = 30 * time.Second

var errMissingAction = errors.New("missing action in command")

// Executor performs one browser action and returns its result payload.
// Implementations must be safe for concurrent use: the relay dispatches
// every request on its own goroutine.
type Executor interface {
	Execute(ctx context.Context, action string, params json.RawMessage) (any, error)
}

// Relay decodes inbound frames, routes them to the executor, and encodes
// outcomes back. It also carries activity events toward the controller,
// falling back to the buffer when the link is down.
type Relay struct {
	mgr     *Manager
	exec    Executor
	buffer  *activity.Buffer
	log     *zap.Logger
	timeout time.Duration
}

// New wires a Relay to its manager, executor and buffer. timeout <= 0
// selects DefaultCommandTimeout.
func New(mgr *Manager, exec Executor, buffer *activity.Buffer, log *zap.Logger, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	r := &Relay{
		mgr:     mgr,
		exec:    exec,
		buffer:  buffer,
		log:     log,
		timeout: timeout,
	}
	mgr.SetFrameHandler(r.handleFrame)
	return r
}

// Connect opens the controller connection.
func (r *Relay) Connect() { r.mgr.Connect() }

// Disconnect closes the controller connection without scheduling recovery.
func (r *Relay) Disconnect() { r.mgr.Disconnect() }

// Status reports the connection summary for the hosting UI.
func (r *Relay) Status() Status { return r.mgr.Status() }

// NotifySettingsChanged forces a reconnect against the current settings.
func (r *Relay) NotifySettingsChanged() { r.mgr.NotifySettingsChanged() }

// ReadRecentActivity answers activity-history queries from the durable log.
func (r *Relay) ReadRecentActivity(limit int) (any, error) {
	return r.buffer.ReadRecent(limit)
}

// ReportActivity carries one activity event toward the controller: sent
// immediately when connected, buffered otherwise or on send failure. The
// durable log records it either way.
func (r *Relay) ReportActivity(activityType string, data any) {
	if err := r.mgr.Send(protocol.NewActivityReport(activityType, data)); err != nil {
		r.buffer.Record(activityType, data)
		return
	}
	r.buffer.Persist(activityType, data)
}

// ── inbound dispatch ──────────────────────────────────────────────────────

// handleFrame decodes one inbound frame and dispatches it asynchronously so
// the transport keeps receiving while commands run. A frame that fails to
// parse is logged and dropped: there is no correlation id to reply to.
func (r *Relay) handleFrame(data []byte) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		r.log.Warn("relay: dropping unparseable frame", zap.Error(err))
		return
	}
	go r.dispatch(req)
}

// dispatch produces exactly one response per request, carrying either the
// executor's result or an error message, correlated by the request id.
func (r *Relay) dispatch(req protocol.CommandRequest) {
	id := req.CorrelationID()
	if req.Action == "" {
		r.respond(protocol.ErrorResponse(id, errMissingAction))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	result, err := r.exec.Execute(ctx, req.Action, req.Params)
	if err != nil {
		r.log.Warn("relay: command failed",
			zap.String("id", id),
			zap.String("action", req.Action),
			zap.Error(err),
		)
		r.respond(protocol.ErrorResponse(id, err))
		return
	}
	r.respond(protocol.ResultResponse(id, result))
}

// respond sends one command response. Responses are never buffered for
// later delivery: the requester may no longer be listening, so a send
// failure is logged and the response dropped.
func (r *Relay) respond(resp protocol.CommandResponse) {
	if err := r.mgr.Send(resp); err != nil {
		r.log.Warn("relay: drop command response",
			zap.String("id", resp.ID),
			zap.Error(err),
		)
	}
}
