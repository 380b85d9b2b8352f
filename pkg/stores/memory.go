package stores

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nixh/nixh/pkg/engine"
)

// DefaultMemoryLimit bounds MemoryStore.
const DefaultMemoryLimit = 256

// MemoryStore is the in-process storage tier. History lasts as long as the
// process and the oldest entries are dropped past the limit.
type MemoryStore struct {
	mu         sync.RWMutex
	limit      int
	executions []*Execution
	events     []*Event
	nextEvent  int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore holding up to limit entries of each
// kind.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryStore{limit: limit}
}

func (m *MemoryStore) RecordExecution(_ context.Context, res engine.ExecutionResult) error {
	e := FromResult(res)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.executions {
		if have.ID == e.ID {
			return fmt.Errorf("failed to record execution: duplicate id %s", e.ID)
		}
	}
	m.executions = append(m.executions, e)
	if over := len(m.executions) - m.limit; over > 0 {
		m.executions = slices.Delete(m.executions, 0, over)
	}
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.executions {
		if e.ID == id {
			c := *e
			return &c, nil
		}
	}
	return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter Filter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for i := len(m.executions) - 1; i >= 0; i-- {
		e := m.executions[i]
		if filter.FailedOnly && e.Succeeded {
			continue
		}
		if !filter.Since.IsZero() && e.StartedAt.Before(filter.Since) {
			continue
		}
		c := *e
		out = append(out, &c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) LastRollbackToken(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.executions) - 1; i >= 0; i-- {
		e := m.executions[i]
		if e.RollbackToken != "" && !e.DryRun && (e.Succeeded || e.StateChanged) {
			return e.RollbackToken, nil
		}
	}
	return "", fmt.Errorf("rollback token: %w", ErrNotFound)
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEvent++
	event.ID = m.nextEvent
	c := *event
	m.events = append(m.events, &c)
	if over := len(m.events) - m.limit; over > 0 {
		m.events = slices.Delete(m.events, 0, over)
	}
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, eventType string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if eventType != "" && e.Type != eventType {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Prune(_ context.Context, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	over := len(m.executions) - keep
	if over <= 0 {
		return 0, nil
	}
	m.executions = slices.Delete(m.executions, 0, over)
	return int64(over), nil
}

func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
