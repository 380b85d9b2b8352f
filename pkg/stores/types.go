package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nixh/nixh/pkg/engine"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Execution is one finished ExecutionResult as kept in history. It holds the
// operation label, never the user's text.
type Execution struct {
	ID            string    `json:"id"`
	Label         string    `json:"label"`
	Method        string    `json:"method"`
	Tier          string    `json:"tier"`
	DryRun        bool      `json:"dry_run"`
	Succeeded     bool      `json:"succeeded"`
	StateChanged  bool      `json:"state_changed"`
	RollbackToken string    `json:"rollback_token,omitempty"`
	ErrorKind     *string   `json:"error_kind,omitempty"`
	ErrorCode     *string   `json:"error_code,omitempty"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	Attempts      []string  `json:"attempts,omitempty"`
	Disclosure    string    `json:"disclosure,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	StartedAt     time.Time `json:"started_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// FromResult converts an ExecutionResult into a history record.
func FromResult(res engine.ExecutionResult) *Execution {
	e := &Execution{
		ID:            res.ID,
		Label:         res.Label,
		Method:        string(res.Method),
		Tier:          res.Tier,
		DryRun:        res.DryRun,
		Succeeded:     res.Succeeded,
		StateChanged:  res.StateChanged,
		RollbackToken: res.RollbackToken,
		Attempts:      res.Attempts,
		Disclosure:    res.Disclosure,
		DurationMS:    res.DurationMS,
		StartedAt:     res.StartedAt.UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	if res.Error != nil {
		kind := string(res.Error.Kind)
		msg := res.Error.Message
		e.ErrorKind = &kind
		e.ErrorMessage = &msg
		if res.Error.Code != "" {
			code := res.Error.Code
			e.ErrorCode = &code
		}
	}
	return e
}

func (e *Execution) attemptsJSON() string {
	if len(e.Attempts) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(e.Attempts)
	return string(data)
}

// Filter narrows ListExecutions.
type Filter struct {
	Limit      int
	FailedOnly bool
	Since      time.Time
}

// Event is a persisted event bus entry.
type Event struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	RequestID *string   `json:"request_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      *string   `json:"data,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store keeps execution history. Both storage tiers implement it.
type Store interface {
	engine.HistoryRecorder

	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter Filter) ([]*Execution, error)

	// LastRollbackToken returns the token of the most recent applied change
	// that recorded one, or ErrNotFound.
	LastRollbackToken(ctx context.Context) (string, error)

	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, eventType string, limit int) ([]*Event, error)

	// Prune keeps the newest keep executions and deletes the rest.
	Prune(ctx context.Context, keep int) (int64, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
