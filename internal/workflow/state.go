// Package workflow defines the persisted state model for a workflow run:
// stages, their lifecycle, and the typed error taxonomy every component
// funnels failures through. Everything in this file is data, not behavior;
// the behavior lives in contextstore, nodeexec, and scheduler.
package workflow

import "time"

// StageStatus is the lifecycle state of a single stage within a workflow.
// These values are persisted and must be stable across deployments.
//
// Semantics:
//   - pending: stage has not started yet
//   - running: stage is currently executing
//   - succeeded: stage completed and its output satisfies the node's
//     required_output_fields
//   - failed: stage failed and has no retry budget remaining (or failed
//     non-retryably)
//   - skipped: stage was declared optional and exhausted retries without
//     success
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageRunning   StageStatus = "RUNNING"
	StageSucceeded StageStatus = "SUCCESS"
	StageFailed    StageStatus = "FAILED"
	StageSkipped   StageStatus = "SKIPPED"
)

// Terminal reports whether a stage finished without failing: true only
// for StageSucceeded and StageSkipped. StageFailed is not counted here;
// callers that need it check for StageFailed separately.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageSucceeded, StageSkipped:
		return true
	default:
		return false
	}
}

// WorkflowStatus is the terminal classification of an entire run.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowSucceeded WorkflowStatus = "SUCCESS"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

// StageRecord is the entire durable execution record for one occurrence of
// a node within a workflow's stage chain. It is written to the Context
// Store and reloaded verbatim; nothing about a stage's progress lives only
// in memory.
type StageRecord struct {
	Name       string           `json:"name"`
	NodeName   string           `json:"node_name"`
	Status     StageStatus      `json:"status"`
	Attempts   int              `json:"attempts"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Input      map[string]any   `json:"input,omitempty"`
	Output     map[string]any   `json:"output,omitempty"`
	Error      *OrchestratorError `json:"error,omitempty"`
	CacheHit   bool             `json:"cache_hit"`
	CacheKey   string           `json:"cache_key,omitempty"`
	Cancelled  bool             `json:"cancelled,omitempty"`
}

// clone deep-copies a StageRecord so callers cannot mutate a record still
// referenced by the store's in-memory snapshot. Output immutability
// (SPEC_FULL.md §8, invariant 3) depends on every read returning a copy.
func (r *StageRecord) clone() *StageRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Input = cloneMap(r.Input)
	cp.Output = cloneMap(r.Output)
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Context is the root snapshot of one workflow run: every field the
// Scheduler, Parameter Resolver, and Node Executor need to make progress.
type Context struct {
	WorkflowID        string                 `json:"workflow_id"`
	Status            WorkflowStatus         `json:"status"`
	SharedStoragePath string                 `json:"shared_storage_path"`
	StageChain        []string               `json:"stage_chain"`
	InputParams       map[string]any         `json:"input_params"`
	Stages            []*StageRecord         `json:"stages"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`

	// version is not part of the wire-visible contract, and neither store
	// implementation sets or reads it: MemStore serializes writes with its
	// mutex and RedisStore uses WATCH on the workflow key for CAS.
	version string `json:"-"`
}

// Clone returns a deep copy, so a caller holding a loaded Context cannot
// observe or cause mutation of the store's internal state.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	cp := *c
	cp.StageChain = append([]string(nil), c.StageChain...)
	cp.InputParams = cloneMap(c.InputParams)
	cp.Stages = make([]*StageRecord, len(c.Stages))
	for i, s := range c.Stages {
		cp.Stages[i] = s.clone()
	}
	return &cp
}

// StageAt returns the stage record at position i (0-indexed, matching the
// declared stage_chain order), or nil if out of range.
func (c *Context) StageAt(i int) *StageRecord {
	if c == nil || i < 0 || i >= len(c.Stages) {
		return nil
	}
	return c.Stages[i]
}

// StageByName returns the first stage record whose Name matches. Stage
// chains may repeat a node name; each occurrence is a distinct record
// keyed by position, so callers resolving ${stage_name.field} references
// should prefer the most recently completed occurrence up to the current
// position — see paramref.Resolve.
func (c *Context) StageByName(name string) *StageRecord {
	for _, s := range c.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// NewContext builds the initial, all-PENDING snapshot for a freshly
// submitted workflow.
func NewContext(workflowID, sharedStoragePath string, stageChain []string, inputParams map[string]any) *Context {
	now := time.Now().UTC()
	stages := make([]*StageRecord, len(stageChain))
	for i, name := range stageChain {
		stages[i] = &StageRecord{
			Name:     name,
			NodeName: name,
			Status:   StagePending,
		}
	}
	return &Context{
		WorkflowID:        workflowID,
		Status:            WorkflowRunning,
		SharedStoragePath: sharedStoragePath,
		StageChain:        append([]string(nil), stageChain...),
		InputParams:       cloneMap(inputParams),
		Stages:            stages,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
