package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

// MemoryManager keeps task records in process memory. It is intended for
// development and tests; records are lost on restart.
type MemoryManager struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewMemoryManager creates an empty in-memory task store.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// AddTask implements Manager.
func (m *MemoryManager) AddTask(ctx context.Context, endpoint string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec := Record{
		ID:        uuid.New().String(),
		Status:    StatusCreated,
		Endpoint:  endpoint,
		Timestamp: m.now().UTC(),
	}

	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()

	return &rec, nil
}

// UpdateTaskStatus implements Manager.
func (m *MemoryManager) UpdateTaskStatus(ctx context.Context, id string, status Status, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, util.ErrTaskNotFound)
	}
	rec.Status = status
	rec.Message = message
	rec.Timestamp = m.now().UTC()
	m.records[id] = rec
	return nil
}

// CompleteTask implements Manager.
func (m *MemoryManager) CompleteTask(ctx context.Context, id, message string) error {
	return m.UpdateTaskStatus(ctx, id, StatusCompleted, message)
}

// FailTask implements Manager.
func (m *MemoryManager) FailTask(ctx context.Context, id, message string) error {
	return m.UpdateTaskStatus(ctx, id, StatusFailed, message)
}

// GetTaskStatus implements Manager.
func (m *MemoryManager) GetTaskStatus(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", id, util.ErrTaskNotFound)
	}
	return &rec, nil
}

// Len returns the number of stored records.
func (m *MemoryManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
