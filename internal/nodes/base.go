// Package nodes implements the stand-in pipeline Node adapters
// (SPEC_FULL.md C10): thin workflow.Node wrappers around either a direct
// subprocess invocation (ffmpeg.extract_audio), the Subprocess Inference
// Bridge (asr.transcribe, diarize.speakers), or pure-Go logic
// (subtitle.optimize, subtitle.rebuild). None of these nodes performs ML
// inference itself.
package nodes

import (
	"time"

	"github.com/yivideo/orchestrator/internal/paramref"
	"github.com/yivideo/orchestrator/internal/workflow"
)

// base implements the seven workflow.Node methods that are pure
// declaration (name, cache key fields, required output fields, template,
// optional flag, stage deadline, retry policy) so each concrete node file only has to write Validate and
// Execute.
type base struct {
	name                 string
	cacheKeyFields       []string
	requiredOutputFields []string
	template             workflow.Template
	retryableKinds       map[workflow.ErrorKind]bool
	optional             bool
	stageDeadline        time.Duration
}

func newBase(name string, rawTemplate map[string]any, cacheKeyFields, requiredOutputFields []string) base {
	return base{
		name:                 name,
		cacheKeyFields:       cacheKeyFields,
		requiredOutputFields: requiredOutputFields,
		template:             paramref.ParseTemplate(rawTemplate),
	}
}

func (b *base) Name() string                  { return b.name }
func (b *base) CacheKeyFields() []string       { return b.cacheKeyFields }
func (b *base) RequiredOutputFields() []string { return b.requiredOutputFields }
func (b *base) Template() workflow.Template    { return b.template }
func (b *base) Optional() bool                 { return b.optional }
func (b *base) StageDeadline() time.Duration   { return b.stageDeadline }
func (b *base) RetryableErrorKinds() map[workflow.ErrorKind]bool {
	return b.retryableKinds
}

func stringField(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

func intField(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func missingField(nodeName, field string) *workflow.OrchestratorError {
	return workflow.NewError(workflow.KindInvalidInput, "", nodeName+": missing required field "+field, nil)
}
