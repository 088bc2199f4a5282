package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventInterpretationCompleted EventType = "interpretation_completed"
	EventApprovalPending         EventType = "approval_pending"
	EventApprovalDecision        EventType = "approval_decision"
	EventExecutionResult         EventType = "execution_result"
)

// Event is one append-only audit entry.
type Event struct {
	ID               string                 `json:"id"`
	Type             EventType              `json:"event_type"`
	InterpretationID string                 `json:"interpretation_id"`
	SessionID        string                 `json:"session_id,omitempty"`
	UserID           string                 `json:"user_id,omitempty"`
	Payload          map[string]interface{} `json:"payload,omitempty"`
	RecordedAt       time.Time              `json:"recorded_at"`
}

// Recorder appends audit events. Implementations never update or delete.
type Recorder interface {
	Record(ctx context.Context, e Event) error
	History(ctx context.Context, interpretationID string) ([]Event, error)
}

func stamp(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	return e
}

// MemoryRecorder keeps events in process. Used in tests and when no database
// is configured.
type MemoryRecorder struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) Record(_ context.Context, e Event) error {
	e = stamp(e)
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRecorder) History(_ context.Context, interpretationID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.InterpretationID == interpretationID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// Events returns a copy of everything recorded so far.
func (m *MemoryRecorder) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events...)
}
