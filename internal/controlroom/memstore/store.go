// Package memstore provides an in-memory controlroom.Store for tests and
// single-process deployments without MongoDB.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iNandix/denis/internal/controlroom"
)

// Store implements controlroom.Store with mutex-guarded maps.
type Store struct {
	mu        sync.Mutex
	tasks     map[string]controlroom.Task
	approvals map[string]controlroom.Approval
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tasks:     make(map[string]controlroom.Task),
		approvals: make(map[string]controlroom.Approval),
	}
}

// UpsertTask implements controlroom.Store.
func (s *Store) UpsertTask(_ context.Context, task controlroom.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = task
	return nil
}

// LoadTask implements controlroom.Store.
func (s *Store) LoadTask(_ context.Context, taskID string) (controlroom.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return controlroom.Task{}, controlroom.ErrNotFound
	}
	return task, nil
}

// Claim implements controlroom.Store: oldest queued task wins, transitioned
// to running under the lock so concurrent claimers never double-claim.
func (s *Store) Claim(_ context.Context, workerID string, lease time.Duration) (controlroom.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []controlroom.Task
	now := time.Now().UTC()
	for _, task := range s.tasks {
		if task.Status == controlroom.TaskQueued {
			queued = append(queued, task)
			continue
		}
		// Expired leases return to the pool as stale claims.
		if task.Status == controlroom.TaskRunning && !task.LeaseExpiresAt.IsZero() && task.LeaseExpiresAt.Before(now) {
			queued = append(queued, task)
		}
	}
	if len(queued) == 0 {
		return controlroom.Task{}, controlroom.ErrNotFound
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })

	task := queued[0]
	task.Status = controlroom.TaskRunning
	task.ClaimedBy = workerID
	task.LeaseExpiresAt = now.Add(lease)
	task.UpdatedAt = now
	s.tasks[task.TaskID] = task
	return task, nil
}

// UpsertApproval implements controlroom.Store.
func (s *Store) UpsertApproval(_ context.Context, approval controlroom.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[approval.ApprovalID] = approval
	return nil
}

// LoadApproval implements controlroom.Store.
func (s *Store) LoadApproval(_ context.Context, approvalID string) (controlroom.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.approvals[approvalID]
	if !ok {
		return controlroom.Approval{}, controlroom.ErrNotFound
	}
	return approval, nil
}

// Close implements controlroom.Store.
func (s *Store) Close(context.Context) error { return nil }
