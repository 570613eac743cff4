package contextstore

import (
	"context"
	"sync"
	"time"

	"github.com/yivideo/orchestrator/internal/workflow"
)

// MemStore is an in-process Store backed by a mutex-guarded map. It
// implements the exact same CAS and idempotence semantics as RedisStore
// and is the store of choice for unit tests that exercise the Scheduler
// and Executor without a live Redis.
type MemStore struct {
	mu        sync.Mutex
	workflows map[string]*workflow.Context
	cache     map[string]map[string]any
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows: make(map[string]*workflow.Context),
		cache:     make(map[string]map[string]any),
	}
}

func (s *MemStore) Create(_ context.Context, workflowID, sharedStoragePath string, stageChain []string, inputParams map[string]any) (*workflow.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[workflowID]; exists {
		return nil, workflow.NewError(workflow.KindAlreadyExists, "", "workflow "+workflowID+" already exists", nil)
	}
	c := workflow.NewContext(workflowID, sharedStoragePath, stageChain, inputParams)
	s.workflows[workflowID] = c
	return c.Clone(), nil
}

func (s *MemStore) Load(_ context.Context, workflowID string) (*workflow.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.workflows[workflowID]
	if !ok {
		return nil, workflow.NewError(workflow.KindNotFound, "", "workflow "+workflowID+" not found", nil)
	}
	return c.Clone(), nil
}

func (s *MemStore) UpdateStage(_ context.Context, workflowID string, stageIndex int, mutate func(*workflow.StageRecord) error) (*workflow.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, rec, err := s.lookupStage(workflowID, stageIndex)
	if err != nil {
		return nil, err
	}
	if err := applyUpdateStage(rec, mutate); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now().UTC()
	return c.Clone(), nil
}

func (s *MemStore) RecordOutput(_ context.Context, workflowID string, stageIndex int, output map[string]any, duration time.Duration) (*workflow.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, rec, err := s.lookupStage(workflowID, stageIndex)
	if err != nil {
		return nil, err
	}
	if rec.Status == workflow.StageSucceeded {
		if sameOutput(rec.Output, output) {
			return c.Clone(), nil
		}
		return nil, workflow.NewError(workflow.KindConflict, rec.Name, "record_output: conflicting output for already-succeeded stage", nil)
	}
	now := time.Now().UTC()
	rec.Output = cloneForStore(output)
	rec.FinishedAt = &now
	rec.Status = workflow.StageSucceeded
	c.UpdatedAt = now
	maybeAdvanceWorkflowStatus(c)
	if rec.CacheKey != "" {
		s.cache[rec.CacheKey] = cloneForStore(output)
	}
	return c.Clone(), nil
}

func (s *MemStore) Cancel(_ context.Context, workflowID string) (*workflow.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.workflows[workflowID]
	if !ok {
		return nil, workflow.NewError(workflow.KindNotFound, "", "workflow "+workflowID+" not found", nil)
	}
	if c.Status == workflow.WorkflowRunning {
		c.Status = workflow.WorkflowCancelled
		c.UpdatedAt = time.Now().UTC()
	}
	return c.Clone(), nil
}

func (s *MemStore) FindCachedOutput(_ context.Context, cacheKey string) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cacheKey == "" {
		return nil, false, nil
	}
	out, ok := s.cache[cacheKey]
	if !ok {
		return nil, false, nil
	}
	return cloneForStore(out), true, nil
}

func (s *MemStore) RecordFailure(_ context.Context, workflowID string, stageIndex int, failure *workflow.OrchestratorError, isRetryable, optional bool, maxAttempts int) (*workflow.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, rec, err := s.lookupStage(workflowID, stageIndex)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec.Error = failure
	switch {
	case isRetryable && rec.Attempts < maxAttempts:
		rec.Status = workflow.StagePending
	case optional:
		rec.Status = workflow.StageSkipped
		rec.FinishedAt = &now
		maybeAdvanceWorkflowStatus(c)
	default:
		rec.Status = workflow.StageFailed
		rec.FinishedAt = &now
		c.Status = workflow.WorkflowFailed
	}
	c.UpdatedAt = now
	return c.Clone(), nil
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) lookupStage(workflowID string, stageIndex int) (*workflow.Context, *workflow.StageRecord, error) {
	c, ok := s.workflows[workflowID]
	if !ok {
		return nil, nil, workflow.NewError(workflow.KindNotFound, "", "workflow "+workflowID+" not found", nil)
	}
	rec := c.StageAt(stageIndex)
	if rec == nil {
		return nil, nil, workflow.NewError(workflow.KindNotFound, "", "stage index out of range", nil)
	}
	return c, rec, nil
}

func cloneForStore(m map[string]any) map[string]any {
	return cloneMapShallow(m)
}

func cloneMapShallow(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// maybeAdvanceWorkflowStatus flips the workflow to SUCCESS once every
// stage has reached a terminal state without any FAILED record.
func maybeAdvanceWorkflowStatus(c *workflow.Context) {
	allTerminal := true
	for _, s := range c.Stages {
		if s.Status == workflow.StageFailed {
			c.Status = workflow.WorkflowFailed
			return
		}
		if !s.Status.Terminal() {
			allTerminal = false
		}
	}
	if allTerminal {
		c.Status = workflow.WorkflowSucceeded
	}
}
