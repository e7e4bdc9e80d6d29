// File: internal/store/memory.go
// Description: An in-memory schemas.Store for development and tests.
// Records are deep-copied through JSON on the way in and out, so callers
// never share mutable state with the store.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/helmsman/api/schemas"
)

// Memory is a process-local store. Safe for concurrent use.
type Memory struct {
	mu            sync.RWMutex
	tasks         map[string]*schemas.Task
	turns         map[string][]*schemas.ActionTurn // Keyed by task ID, append order.
	verifications map[string][]schemas.VerificationResult
	corrections   map[string][]schemas.CorrectionResult
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:         make(map[string]*schemas.Task),
		turns:         make(map[string][]*schemas.ActionTurn),
		verifications: make(map[string][]schemas.VerificationResult),
		corrections:   make(map[string][]schemas.CorrectionResult),
	}
}

func (m *Memory) LoadTask(_ context.Context, id string) (*schemas.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, schemas.ErrTaskNotFound
	}
	return clone(task), nil
}

func (m *Memory) SaveTask(_ context.Context, task *schemas.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = clone(task)
	return nil
}

func (m *Memory) AppendTurn(_ context.Context, turn *schemas.ActionTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[turn.TaskID] = append(m.turns[turn.TaskID], clone(turn))
	return nil
}

func (m *Memory) LatestTurn(_ context.Context, taskID string) (*schemas.ActionTurn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := m.turns[taskID]
	if len(turns) == 0 {
		return nil, nil
	}
	return clone(turns[len(turns)-1]), nil
}

func (m *Memory) TurnCount(_ context.Context, taskID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns[taskID]), nil
}

func (m *Memory) MarkTurnVerified(_ context.Context, turnID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, turns := range m.turns {
		for _, turn := range turns {
			if turn.ID == turnID {
				if turn.VerifiedAt != nil {
					return nil // Already consumed; idempotent.
				}
				stamp := at
				turn.VerifiedAt = &stamp
				return nil
			}
		}
	}
	return schemas.ErrTaskNotFound
}

func (m *Memory) RecordVerification(_ context.Context, taskID string, res schemas.VerificationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications[taskID] = append(m.verifications[taskID], res)
	return nil
}

func (m *Memory) RecordCorrection(_ context.Context, taskID string, res schemas.CorrectionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corrections[taskID] = append(m.corrections[taskID], res)
	return nil
}

func (m *Memory) RecentCorrections(_ context.Context, taskID string, limit int) ([]schemas.CorrectionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.corrections[taskID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]schemas.CorrectionResult, len(all))
	copy(out, all)
	return out, nil
}

// Verifications returns all recorded verification results for a task, in
// order. Test and inspection helper, not part of schemas.Store.
func (m *Memory) Verifications(taskID string) []schemas.VerificationResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schemas.VerificationResult, len(m.verifications[taskID]))
	copy(out, m.verifications[taskID])
	return out
}

// Turns returns every recorded turn for a task in append order. Test and
// inspection helper.
func (m *Memory) Turns(taskID string) []*schemas.ActionTurn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schemas.ActionTurn, 0, len(m.turns[taskID]))
	for _, turn := range m.turns[taskID] {
		out = append(out, clone(turn))
	}
	return out
}

// TaskIDs returns the IDs of every stored task, sorted. Inspection helper.
func (m *Memory) TaskIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// clone deep-copies a record through JSON. The schema types are all
// marshalable by construction.
func clone[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(err)
	}
	return out
}
