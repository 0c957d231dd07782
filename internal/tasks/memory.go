package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store backed by a mutex-guarded map, the
// default persistence for a single-operator assistant process (no
// distributed-lock concerns, unlike the Cockroach-backed store a
// multi-instance gateway needs).
type MemoryStore struct {
	mu         sync.Mutex
	tasks      map[string]*ScheduledTask
	executions map[string]*TaskExecution
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*ScheduledTask),
		executions: make(map[string]*TaskExecution),
	}
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %q already exists", task.ID)
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q not found", id)
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return fmt.Errorf("task %q not found", task.ID)
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ScheduledTask
	for _, task := range s.tasks {
		if opts.Status != nil && task.Status != *opts.Status {
			continue
		}
		if !opts.IncludeDisabled && task.Status == TaskStatusDisabled {
			continue
		}
		if opts.AgentID != "" && task.AgentID != opts.AgentID {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution %q already exists", exec.ID)
	}
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %q not found", id)
	}
	cp := *exec
	return &cp, nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return fmt.Errorf("execution %q not found", exec.ID)
	}
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, taskID string, opts ListExecutionsOptions) ([]*TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*TaskExecution
	for _, exec := range s.executions {
		if exec.TaskID != taskID {
			continue
		}
		if opts.Status != nil && exec.Status != *opts.Status {
			continue
		}
		if opts.Since != nil && exec.ScheduledAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && exec.ScheduledAt.After(*opts.Until) {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetDueTasks(ctx context.Context, now time.Time, limit int) ([]*ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ScheduledTask
	for _, task := range s.tasks {
		if task.Status != TaskStatusActive {
			continue
		}
		if task.NextRunAt.After(now) {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AcquireExecution(ctx context.Context, workerID string, lockDuration time.Duration) (*TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, exec := range s.executions {
		if exec.Status != ExecutionStatusPending {
			continue
		}
		if exec.LockedUntil != nil && exec.LockedUntil.After(now) {
			continue
		}
		until := now.Add(lockDuration)
		exec.WorkerID = workerID
		exec.LockedAt = &now
		exec.LockedUntil = &until
		cp := *exec
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) ReleaseExecution(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %q not found", executionID)
	}
	exec.WorkerID = ""
	exec.LockedAt = nil
	exec.LockedUntil = nil
	return nil
}

func (s *MemoryStore) CompleteExecution(ctx context.Context, executionID string, status ExecutionStatus, response string, errStr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %q not found", executionID)
	}
	now := time.Now()
	exec.Status = status
	exec.Response = response
	exec.Error = errStr
	exec.FinishedAt = &now
	if exec.StartedAt != nil {
		exec.Duration = now.Sub(*exec.StartedAt)
	}
	return nil
}

func (s *MemoryStore) GetRunningExecutions(ctx context.Context, taskID string) ([]*TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*TaskExecution
	for _, exec := range s.executions {
		if exec.TaskID != taskID || exec.Status != ExecutionStatusRunning {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CleanupStaleExecutions(ctx context.Context, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	count := 0
	for _, exec := range s.executions {
		if exec.Status != ExecutionStatusRunning {
			continue
		}
		if exec.StartedAt == nil || exec.StartedAt.After(cutoff) {
			continue
		}
		exec.Status = ExecutionStatusTimedOut
		now := time.Now()
		exec.FinishedAt = &now
		count++
	}
	return count, nil
}

var _ Store = (*MemoryStore)(nil)
