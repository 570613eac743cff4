package workflow

import (
	"context"
	"time"
)

// TemplateValue is the explicit sum type backing a stage's input_template.
// A leaf is either a literal or a reference into a prior stage's output or
// the workflow's input_params; the distinction is made once, at workflow
// definition load time, rather than re-parsed on every resolution.
type TemplateValue interface {
	isTemplateValue()
}

// Literal is a concrete, non-referential leaf value.
type Literal struct {
	Value any
}

func (Literal) isTemplateValue() {}

// Reference is a placeholder of the form ${Source.Path}. Source is either
// a prior stage name or the literal "input_params"; Path is a dotted
// lookup into that source's output (or input_params itself).
type Reference struct {
	Source string
	Path   string
}

func (Reference) isTemplateValue() {}

// Template is a node's declared input shape: every key maps to either a
// Literal or a Reference. Nested maps/lists of templates are represented
// by TemplateMap/TemplateList so the whole structure parses once.
type Template map[string]TemplateValue

// TemplateMap is a nested object whose values are themselves templates.
type TemplateMap map[string]TemplateValue

func (TemplateMap) isTemplateValue() {}

// TemplateList is an ordered list of template values.
type TemplateList []TemplateValue

func (TemplateList) isTemplateValue() {}

// Node is the contract every worker task implements. The framework (see
// package nodeexec) enforces the fixed seven-step lifecycle around it;
// a Node never touches the Context directly.
type Node interface {
	// Name is the fully-qualified node name, unique across the system
	// (e.g. "ffmpeg.extract_audio").
	Name() string

	// CacheKeyFields is the list of resolved-input keys projected to
	// form the cache key. An empty list opts the node out of reuse.
	CacheKeyFields() []string

	// RequiredOutputFields must all be present and non-empty in a
	// successful output for that output to be considered complete.
	RequiredOutputFields() []string

	// Template is the node's input_template, parsed once at
	// registration time.
	Template() Template

	// RetryableErrorKinds augments the taxonomy's default retry policy
	// for this specific node (used principally so InferenceFailed can
	// be retryable only for nodes whose child process declares
	// transient error kinds).
	RetryableErrorKinds() map[ErrorKind]bool

	// Optional reports whether exhausting retries should SKIP the
	// stage (true) or FAIL the whole workflow (false).
	Optional() bool

	// StageDeadline overrides stage_deadline_default_s for this node;
	// zero means "use the default."
	StageDeadline() time.Duration

	// Validate runs node-supplied checks against the resolved input
	// (step 3 of the lifecycle). A non-nil error is always classified
	// InvalidInput by the executor.
	Validate(ctx context.Context, resolvedInput map[string]any) error

	// Execute runs the node's core logic (step 5). It may use the GPU
	// Arbiter and the Subprocess Bridge; its only permitted side
	// effects are writes under sharedStoragePath/nodes/{Name()}/data/.
	Execute(ctx context.Context, exec *Execution) (map[string]any, error)
}

// Execution is the handle passed into Node.Execute: everything core_logic
// needs to do its job without reaching around the framework.
type Execution struct {
	WorkflowID        string
	StageName         string
	SharedStoragePath string
	Input             map[string]any
	Attempt           int
}
