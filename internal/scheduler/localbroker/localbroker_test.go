package localbroker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yivideo/orchestrator/internal/contextstore"
	"github.com/yivideo/orchestrator/internal/nodeexec"
	"github.com/yivideo/orchestrator/internal/paramref"
	"github.com/yivideo/orchestrator/internal/scheduler"
	"github.com/yivideo/orchestrator/internal/workflow"
)

type stubNode struct {
	name                 string
	requiredOutputFields []string
	output               map[string]any
}

func (n *stubNode) Name() string                  { return n.name }
func (n *stubNode) CacheKeyFields() []string       { return nil }
func (n *stubNode) RequiredOutputFields() []string { return n.requiredOutputFields }
func (n *stubNode) Template() workflow.Template    { return paramref.ParseTemplate(map[string]any{}) }
func (n *stubNode) RetryableErrorKinds() map[workflow.ErrorKind]bool {
	return nil
}
func (n *stubNode) Optional() bool              { return false }
func (n *stubNode) StageDeadline() time.Duration { return 0 }
func (n *stubNode) Validate(ctx context.Context, resolvedInput map[string]any) error { return nil }
func (n *stubNode) Execute(ctx context.Context, exec *workflow.Execution) (map[string]any, error) {
	return n.output, nil
}

type stubRegistry struct{ nodes map[string]workflow.Node }

func (r *stubRegistry) Lookup(name string) (workflow.Node, bool) {
	n, ok := r.nodes[name]
	return n, ok
}

func TestLocalBroker_RunDrivesWorkflowToSuccess(t *testing.T) {
	store := contextstore.NewMemStore()
	n1 := &stubNode{name: "ffmpeg.extract_audio", requiredOutputFields: []string{"audio_path"}, output: map[string]any{"audio_path": "/a.wav"}}
	n2 := &stubNode{name: "asr.transcribe", requiredOutputFields: []string{"segments_path"}, output: map[string]any{"segments_path": "/s.json"}}
	reg := &stubRegistry{nodes: map[string]workflow.Node{n1.name: n1, n2.name: n2}}
	sched := &scheduler.Scheduler{Store: store, Executor: &nodeexec.Executor{Store: store, Registry: reg, MaxAttempts: 3}}
	broker := New(sched, 5*time.Millisecond)

	ctx := context.Background()
	_, err := store.Create(ctx, "wf-lb", "/share/wf-lb", []string{"ffmpeg.extract_audio", "asr.transcribe"}, nil)
	require.NoError(t, err)

	runErr := broker.Run(ctx, "wf-lb")
	require.NoError(t, runErr)

	final, err := store.Load(ctx, "wf-lb")
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowSucceeded, final.Status)
}

func TestLocalBroker_StartAndEnqueueDrainsPool(t *testing.T) {
	store := contextstore.NewMemStore()
	n1 := &stubNode{name: "ffmpeg.extract_audio", requiredOutputFields: []string{"audio_path"}, output: map[string]any{"audio_path": "/a.wav"}}
	reg := &stubRegistry{nodes: map[string]workflow.Node{n1.name: n1}}
	sched := &scheduler.Scheduler{Store: store, Executor: &nodeexec.Executor{Store: store, Registry: reg, MaxAttempts: 3}}
	broker := New(sched, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker.Start(ctx, 2)

	for i := 0; i < 3; i++ {
		id := "wf-pool-" + string(rune('a'+i))
		_, err := store.Create(ctx, id, "/share/"+id, []string{"ffmpeg.extract_audio"}, nil)
		require.NoError(t, err)
		broker.Enqueue(id)
	}

	require.Eventually(t, func() bool {
		for i := 0; i < 3; i++ {
			id := "wf-pool-" + string(rune('a'+i))
			c, err := store.Load(ctx, id)
			if err != nil || c.Status != workflow.WorkflowSucceeded {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestLocalBroker_WaitReturnsOnceWorkersStopAfterCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := contextstore.NewMemStore()
	reg := &stubRegistry{nodes: map[string]workflow.Node{}}
	sched := &scheduler.Scheduler{Store: store, Executor: &nodeexec.Executor{Store: store, Registry: reg, MaxAttempts: 3}}
	broker := New(sched, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	broker.Start(ctx, 3)
	cancel()

	done := make(chan error, 1)
	go func() { done <- broker.Wait() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after context cancellation")
	}
}
