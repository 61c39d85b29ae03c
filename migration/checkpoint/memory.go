package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemBackend is an in-memory Backend.
//
// Designed for:
//   - Testing and development
//   - Single-process runs where durability is not required
//
// Checkpoints are stored JSON-encoded, so values read back have the same
// shape they would have after a round trip through a SQL backend (numbers
// in Data decode as float64).
type MemBackend struct {
	mu      sync.RWMutex
	current map[string][]byte        // workflowID -> encoded checkpoint
	history map[string][]memSnapshot // workflowID -> snapshots, oldest first
	archive map[string][]byte        // workflowID -> encoded checkpoint
	closed  bool
}

type memSnapshot struct {
	data       []byte
	recordedAt time.Time
}

// NewMemBackend creates an empty MemBackend.
func NewMemBackend() *MemBackend {
	return &MemBackend{
		current: make(map[string][]byte),
		history: make(map[string][]memSnapshot),
		archive: make(map[string][]byte),
	}
}

// Name returns "memory".
func (m *MemBackend) Name() string { return "memory" }

// Load returns the current checkpoint for workflowID.
func (m *MemBackend) Load(_ context.Context, workflowID string) (*WorkflowCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	data, ok := m.current[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeCheckpoint(data)
}

// Save stores cp and appends a snapshot.
func (m *MemBackend) Save(_ context.Context, cp *WorkflowCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.current[cp.WorkflowID] = data
	m.history[cp.WorkflowID] = append(m.history[cp.WorkflowID], memSnapshot{data: data, recordedAt: cp.UpdatedAt})
	return nil
}

// History returns snapshots newest first.
func (m *MemBackend) History(_ context.Context, workflowID string, limit int) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	snaps := m.history[workflowID]
	entries := make([]HistoryEntry, 0, len(snaps))
	for i := len(snaps) - 1; i >= 0; i-- {
		if limit > 0 && len(entries) >= limit {
			break
		}
		cp, err := decodeCheckpoint(snaps[i].data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, HistoryEntry{WorkflowID: workflowID, Checkpoint: cp, RecordedAt: snaps[i].recordedAt})
	}
	return entries, nil
}

// List returns matching checkpoints, oldest UpdatedAt first.
func (m *MemBackend) List(_ context.Context, statuses []Status, updatedBefore time.Time) ([]*WorkflowCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []*WorkflowCheckpoint
	for _, data := range m.current {
		cp, err := decodeCheckpoint(data)
		if err != nil {
			return nil, err
		}
		if want[cp.Status] && cp.UpdatedAt.Before(updatedBefore) {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// Archive moves old COMPLETED checkpoints into the archive.
func (m *MemBackend) Archive(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	var ids []string
	for id, data := range m.current {
		cp, err := decodeCheckpoint(data)
		if err != nil {
			return nil, err
		}
		if cp.Status != StatusCompleted || !cp.UpdatedAt.Before(cutoff) {
			continue
		}
		m.archive[id] = data
		delete(m.current, id)
		delete(m.history, id)
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Archived returns an archived checkpoint.
func (m *MemBackend) Archived(workflowID string) (*WorkflowCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.archive[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeCheckpoint(data)
}

// Close marks the backend closed.
func (m *MemBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func decodeCheckpoint(data []byte) (*WorkflowCheckpoint, error) {
	var cp WorkflowCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
