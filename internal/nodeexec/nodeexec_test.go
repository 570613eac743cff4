package nodeexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yivideo/orchestrator/internal/contextstore"
	"github.com/yivideo/orchestrator/internal/paramref"
	"github.com/yivideo/orchestrator/internal/workflow"
)

type fakeNode struct {
	name                 string
	tmpl                 map[string]any
	cacheKeyFields       []string
	requiredOutputFields []string
	retryableKinds       map[workflow.ErrorKind]bool
	optional             bool
	execute              func(ctx context.Context, exec *workflow.Execution) (map[string]any, error)
}

func (n *fakeNode) Name() string                     { return n.name }
func (n *fakeNode) CacheKeyFields() []string          { return n.cacheKeyFields }
func (n *fakeNode) RequiredOutputFields() []string    { return n.requiredOutputFields }
func (n *fakeNode) Template() workflow.Template       { return paramref.ParseTemplate(n.tmpl) }
func (n *fakeNode) RetryableErrorKinds() map[workflow.ErrorKind]bool {
	return n.retryableKinds
}
func (n *fakeNode) Optional() bool              { return n.optional }
func (n *fakeNode) StageDeadline() time.Duration { return 0 }
func (n *fakeNode) Validate(ctx context.Context, resolvedInput map[string]any) error { return nil }
func (n *fakeNode) Execute(ctx context.Context, exec *workflow.Execution) (map[string]any, error) {
	return n.execute(ctx, exec)
}

type fakeRegistry struct {
	nodes map[string]workflow.Node
}

func (r *fakeRegistry) Lookup(name string) (workflow.Node, bool) {
	n, ok := r.nodes[name]
	return n, ok
}

func newExecutor(store contextstore.Store, nodes ...workflow.Node) *Executor {
	reg := &fakeRegistry{nodes: make(map[string]workflow.Node)}
	for _, n := range nodes {
		reg.nodes[n.Name()] = n
	}
	return &Executor{Store: store, Registry: reg, MaxAttempts: 3}
}

func TestExecutor_HappyPath(t *testing.T) {
	store := contextstore.NewMemStore()
	node := &fakeNode{
		name:                 "ffmpeg.extract_audio",
		tmpl:                 map[string]any{"video_path": "${input_params.video_path}"},
		cacheKeyFields:       []string{"video_path"},
		requiredOutputFields: []string{"audio_path"},
		execute: func(ctx context.Context, exec *workflow.Execution) (map[string]any, error) {
			return map[string]any{"audio_path": "/a.wav"}, nil
		},
	}
	exec := newExecutor(store, node)
	ctx := context.Background()
	_, err := store.Create(ctx, "wf-1", "/share/wf-1", []string{"ffmpeg.extract_audio"}, map[string]any{"video_path": "/v.mp4"})
	require.NoError(t, err)

	res := exec.Run(ctx, "wf-1", 0)
	require.Nil(t, res.Err)
	assert.Equal(t, workflow.StageSucceeded, res.Status)
	assert.False(t, res.CacheHit)
	assert.Equal(t, "/a.wav", res.Output["audio_path"])
}

func TestExecutor_CacheHitAcrossWorkflows(t *testing.T) {
	store := contextstore.NewMemStore()
	calls := 0
	node := &fakeNode{
		name:                 "ffmpeg.extract_audio",
		tmpl:                 map[string]any{"video_path": "${input_params.video_path}"},
		cacheKeyFields:       []string{"video_path"},
		requiredOutputFields: []string{"audio_path"},
		execute: func(ctx context.Context, exec *workflow.Execution) (map[string]any, error) {
			calls++
			return map[string]any{"audio_path": "/a.wav"}, nil
		},
	}
	exec := newExecutor(store, node)
	ctx := context.Background()

	_, err := store.Create(ctx, "wf-a", "/share/wf-a", []string{"ffmpeg.extract_audio"}, map[string]any{"video_path": "/v.mp4"})
	require.NoError(t, err)
	res := exec.Run(ctx, "wf-a", 0)
	require.Nil(t, res.Err)
	require.False(t, res.CacheHit)

	_, err = store.Create(ctx, "wf-b", "/share/wf-b", []string{"ffmpeg.extract_audio"}, map[string]any{"video_path": "/v.mp4"})
	require.NoError(t, err)
	res2 := exec.Run(ctx, "wf-b", 0)
	require.Nil(t, res2.Err)
	assert.True(t, res2.CacheHit)
	assert.Equal(t, "/a.wav", res2.Output["audio_path"])
	assert.Equal(t, 1, calls, "node core_logic must not re-run on a cache hit")
}

func TestExecutor_ValidateFailureIsNonRetryable(t *testing.T) {
	store := contextstore.NewMemStore()
	node := &fakeNode{
		name:                 "asr.transcribe",
		tmpl:                 map[string]any{},
		requiredOutputFields: []string{"segments_path"},
	}
	// Override Validate via a wrapper node so we can force InvalidInput.
	n := &validatingNode{fakeNode: node, validateErr: errors.New("missing audio_path")}
	exec := newExecutor(store, n)
	ctx := context.Background()
	_, err := store.Create(ctx, "wf-bad", "/share/wf-bad", []string{"asr.transcribe"}, nil)
	require.NoError(t, err)

	res := exec.Run(ctx, "wf-bad", 0)
	require.NotNil(t, res.Err)
	assert.Equal(t, workflow.KindInvalidInput, res.Err.Kind)
	assert.Equal(t, workflow.StageFailed, res.Status)
}

type validatingNode struct {
	*fakeNode
	validateErr error
}

func (n *validatingNode) Validate(ctx context.Context, resolvedInput map[string]any) error {
	return n.validateErr
}

func TestExecutor_RetryableFailureReturnsToPendingThenSucceeds(t *testing.T) {
	store := contextstore.NewMemStore()
	attempt := 0
	node := &fakeNode{
		name:                 "diarize.speakers",
		tmpl:                 map[string]any{},
		requiredOutputFields: []string{"speakers_path"},
		retryableKinds:       map[workflow.ErrorKind]bool{workflow.KindInferenceFailed: true},
		execute: func(ctx context.Context, exec *workflow.Execution) (map[string]any, error) {
			attempt++
			if attempt == 1 {
				return nil, errors.New("subprocess exited 1")
			}
			return map[string]any{"speakers_path": "/s.json"}, nil
		},
	}
	exec := newExecutor(store, node)
	ctx := context.Background()
	_, err := store.Create(ctx, "wf-retry", "/share/wf-retry", []string{"diarize.speakers"}, nil)
	require.NoError(t, err)

	res1 := exec.Run(ctx, "wf-retry", 0)
	require.NotNil(t, res1.Err)
	assert.Equal(t, workflow.StagePending, res1.Status)

	res2 := exec.Run(ctx, "wf-retry", 0)
	require.Nil(t, res2.Err)
	assert.Equal(t, workflow.StageSucceeded, res2.Status)
	assert.Equal(t, 2, attempt)
}

func TestExecutor_OptionalNodeSkipsAfterRetriesExhausted(t *testing.T) {
	store := contextstore.NewMemStore()
	node := &fakeNode{
		name:                 "subtitle.optimize",
		tmpl:                 map[string]any{},
		requiredOutputFields: []string{"optimized_segments_path"},
		optional:             true,
		retryableKinds:       map[workflow.ErrorKind]bool{workflow.KindInferenceFailed: false},
		execute: func(ctx context.Context, exec *workflow.Execution) (map[string]any, error) {
			return nil, errors.New("always fails")
		},
	}
	exec := &Executor{Store: store, Registry: &fakeRegistry{nodes: map[string]workflow.Node{node.name: node}}, MaxAttempts: 1}
	ctx := context.Background()
	_, err := store.Create(ctx, "wf-opt", "/share/wf-opt", []string{"subtitle.optimize"}, nil)
	require.NoError(t, err)

	res := exec.Run(ctx, "wf-opt", 0)
	require.NotNil(t, res.Err)
	assert.Equal(t, workflow.StageSkipped, res.Status)
}

func TestExecutor_PanicIsRecoveredAsInferenceFailed(t *testing.T) {
	store := contextstore.NewMemStore()
	node := &fakeNode{
		name:                 "ffmpeg.extract_audio",
		tmpl:                 map[string]any{},
		requiredOutputFields: []string{"audio_path"},
		execute: func(ctx context.Context, exec *workflow.Execution) (map[string]any, error) {
			panic("unexpected nil pointer")
		},
	}
	exec := newExecutor(store, node)
	ctx := context.Background()
	_, err := store.Create(ctx, "wf-panic", "/share/wf-panic", []string{"ffmpeg.extract_audio"}, nil)
	require.NoError(t, err)

	res := exec.Run(ctx, "wf-panic", 0)
	require.NotNil(t, res.Err)
	assert.Equal(t, workflow.KindInferenceFailed, res.Err.Kind)
	assert.Equal(t, workflow.StageFailed, res.Status)
}

func TestExecutor_InvalidOutputMissingRequiredField(t *testing.T) {
	store := contextstore.NewMemStore()
	node := &fakeNode{
		name:                 "subtitle.rebuild",
		tmpl:                 map[string]any{},
		requiredOutputFields: []string{"subtitle_path"},
		execute: func(ctx context.Context, exec *workflow.Execution) (map[string]any, error) {
			return map[string]any{}, nil
		},
	}
	exec := newExecutor(store, node)
	ctx := context.Background()
	_, err := store.Create(ctx, "wf-missing", "/share/wf-missing", []string{"subtitle.rebuild"}, nil)
	require.NoError(t, err)

	res := exec.Run(ctx, "wf-missing", 0)
	require.NotNil(t, res.Err)
	assert.Equal(t, workflow.KindInvalidOutput, res.Err.Kind)
}
