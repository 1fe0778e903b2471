// Package activity buffers browser telemetry across transport outages.
// Two independent stores cooperate: a bounded in-memory ring that holds
// entries awaiting delivery, and a capped durable log (SQLite) that keeps
// history for later retrieval. The ring is drained on reconnect; the log is
// never drained, only trimmed.
package activity

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/browserlink/browserlink/internal/store"
)

const (
	// RingCapacity bounds the in-memory queue. Insertion past capacity
	// evicts the oldest entry.
	RingCapacity = 100
	// LogMaxEntries triggers a trim of the durable log.
	LogMaxEntries = 200
	// LogKeepEntries is what survives a trim.
	LogKeepEntries = 150
)

// Entry is one buffered activity awaiting delivery.
type Entry struct {
	Type      string
	Data      any
	Timestamp time.Time
}

// Buffer holds undelivered activity entries and writes every entry through
// to the durable log. All methods are safe for concurrent use.
type Buffer struct {
	db  *store.DB
	log *zap.Logger

	mu   sync.Mutex
	ring []Entry
}

// NewBuffer constructs a Buffer backed by db.
func NewBuffer(db *store.DB, log *zap.Logger) *Buffer {
	return &Buffer{
		db:   db,
		log:  log,
		ring: make([]Entry, 0, RingCapacity),
	}
}

// Record appends an entry to the ring (evicting the oldest past capacity)
// and persists it to the durable log regardless of buffering outcome.
// Persistence failures are logged, never surfaced: telemetry must not take
// the relay down.
func (b *Buffer) Record(activityType string, data any) {
	e := Entry{Type: activityType, Data: data, Timestamp: time.Now().UTC()}

	b.mu.Lock()
	if len(b.ring) >= RingCapacity {
		b.ring = b.ring[1:]
	}
	b.ring = append(b.ring, e)
	b.mu.Unlock()

	b.persist(e)
}

// Persist writes an entry to the durable log without touching the ring.
// The relay uses this for activity that was delivered immediately.
func (b *Buffer) Persist(activityType string, data any) {
	b.persist(Entry{Type: activityType, Data: data, Timestamp: time.Now().UTC()})
}

// Flush sends every ring entry through send in insertion order, then clears
// the ring unconditionally. Failed sends are not re-buffered: this pass is
// best-effort, and the durable log remains the source of truth for history.
// It returns the number of send calls issued.
func (b *Buffer) Flush(send func(Entry) error) int {
	b.mu.Lock()
	pending := b.ring
	b.ring = make([]Entry, 0, RingCapacity)
	b.mu.Unlock()

	for _, e := range pending {
		if err := send(e); err != nil {
			b.log.Warn("activity: flush send failed",
				zap.String("activity", e.Type),
				zap.Error(err),
			)
		}
	}
	return len(pending)
}

// Len returns the number of entries currently awaiting delivery.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ring)
}

// ReadRecent returns the most recent limit entries from the durable log,
// independent of ring and connection state.
func (b *Buffer) ReadRecent(limit int) ([]*store.Activity, error) {
	return b.db.RecentActivities(limit)
}

// ── internal ──────────────────────────────────────────────────────────────

func (b *Buffer) persist(e Entry) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		b.log.Warn("activity: marshal data", zap.String("activity", e.Type), zap.Error(err))
		data = []byte(`{}`)
	}
	_, err = b.db.InsertActivity(&store.Activity{
		ActivityID:   uuid.New().String(),
		ActivityType: e.Type,
		Data:         data,
		RecordedAt:   e.Timestamp,
	})
	if err != nil {
		b.log.Warn("activity: persist", zap.String("activity", e.Type), zap.Error(err))
		return
	}

	n, err := b.db.CountActivities()
	if err != nil {
		b.log.Warn("activity: count log", zap.Error(err))
		return
	}
	if n >= LogMaxEntries {
		if err := b.db.TrimActivities(LogKeepEntries); err != nil {
			b.log.Warn("activity: trim log", zap.Error(err))
		}
	}
}
