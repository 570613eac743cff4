package contextstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/yivideo/orchestrator/internal/workflow"
)

func newTestStores(t *testing.T) map[string]Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"mem":   NewMemStore(),
		"redis": NewRedisStoreFromClient(client, "test"),
	}
}

func TestStore_CreateAndLoad(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := store.Create(ctx, "wf-1", "/share/wf-1", []string{"extract_audio", "transcribe"}, map[string]any{"video_path": "/a.mp4"})
			require.NoError(t, err)
			require.Len(t, c.Stages, 2)
			require.Equal(t, workflow.StagePending, c.Stages[0].Status)

			loaded, err := store.Load(ctx, "wf-1")
			require.NoError(t, err)
			require.Equal(t, "wf-1", loaded.WorkflowID)
		})
	}
}

func TestStore_CreateDuplicateFails(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Create(ctx, "wf-dup", "/share/wf-dup", []string{"a"}, nil)
			require.NoError(t, err)
			_, err = store.Create(ctx, "wf-dup", "/share/wf-dup", []string{"a"}, nil)
			require.Error(t, err)
			oe, ok := workflow.AsOrchestratorError(err)
			require.True(t, ok)
			require.Equal(t, workflow.KindAlreadyExists, oe.Kind)
		})
	}
}

func TestStore_LoadMissingFails(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(context.Background(), "does-not-exist")
			require.Error(t, err)
			oe, ok := workflow.AsOrchestratorError(err)
			require.True(t, ok)
			require.Equal(t, workflow.KindNotFound, oe.Kind)
		})
	}
}

func TestStore_RecordOutputTransitionsToSuccess(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Create(ctx, "wf-out", "/share/wf-out", []string{"extract_audio"}, nil)
			require.NoError(t, err)

			c, err := store.RecordOutput(ctx, "wf-out", 0, map[string]any{"audio_path": "/a.wav"}, time.Second)
			require.NoError(t, err)
			require.Equal(t, workflow.StageSucceeded, c.Stages[0].Status)
			require.Equal(t, workflow.WorkflowSucceeded, c.Status)
		})
	}
}

func TestStore_RecordOutputIdempotentOnIdenticalOutput(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = store.Create(ctx, "wf-idem", "/share/wf-idem", []string{"a"}, nil)
			out := map[string]any{"x": "y"}
			_, err := store.RecordOutput(ctx, "wf-idem", 0, out, 0)
			require.NoError(t, err)
			_, err = store.RecordOutput(ctx, "wf-idem", 0, out, 0)
			require.NoError(t, err)
		})
	}
}

func TestStore_RecordOutputConflictOnDivergentOutput(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = store.Create(ctx, "wf-conflict", "/share/wf-conflict", []string{"a"}, nil)
			_, err := store.RecordOutput(ctx, "wf-conflict", 0, map[string]any{"x": "y"}, 0)
			require.NoError(t, err)
			_, err = store.RecordOutput(ctx, "wf-conflict", 0, map[string]any{"x": "different"}, 0)
			require.Error(t, err)
			oe, ok := workflow.AsOrchestratorError(err)
			require.True(t, ok)
			require.Equal(t, workflow.KindConflict, oe.Kind)
		})
	}
}

func TestStore_RecordFailureRetryReturnsToPending(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = store.Create(ctx, "wf-retry", "/share/wf-retry", []string{"a"}, nil)
			_, _ = store.UpdateStage(ctx, "wf-retry", 0, func(r *workflow.StageRecord) error {
				r.Status = workflow.StageRunning
				r.Attempts = 1
				return nil
			})
			failure := workflow.NewError(workflow.KindTimeout, "a", "deadline exceeded", nil)
			c, err := store.RecordFailure(ctx, "wf-retry", 0, failure, true, false, 3)
			require.NoError(t, err)
			require.Equal(t, workflow.StagePending, c.Stages[0].Status)
		})
	}
}

func TestStore_RecordFailureTerminalWhenRetriesExhausted(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = store.Create(ctx, "wf-exhaust", "/share/wf-exhaust", []string{"a"}, nil)
			_, _ = store.UpdateStage(ctx, "wf-exhaust", 0, func(r *workflow.StageRecord) error {
				r.Status = workflow.StageRunning
				r.Attempts = 3
				return nil
			})
			failure := workflow.NewError(workflow.KindInvalidInput, "a", "bad", nil)
			c, err := store.RecordFailure(ctx, "wf-exhaust", 0, failure, false, false, 3)
			require.NoError(t, err)
			require.Equal(t, workflow.StageFailed, c.Stages[0].Status)
			require.Equal(t, workflow.WorkflowFailed, c.Status)
		})
	}
}

func TestStore_RecordFailureOptionalExhaustedSkips(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = store.Create(ctx, "wf-skip", "/share/wf-skip", []string{"a"}, nil)
			_, _ = store.UpdateStage(ctx, "wf-skip", 0, func(r *workflow.StageRecord) error {
				r.Status = workflow.StageRunning
				r.Attempts = 3
				return nil
			})
			failure := workflow.NewError(workflow.KindInferenceFailed, "a", "subprocess crashed", nil)
			c, err := store.RecordFailure(ctx, "wf-skip", 0, failure, false, true, 3)
			require.NoError(t, err)
			require.Equal(t, workflow.StageSkipped, c.Stages[0].Status)
			require.Equal(t, workflow.WorkflowSucceeded, c.Status)
		})
	}
}

func TestStore_CancelMarksRunningWorkflowCancelled(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Create(ctx, "wf-cancel", "/share/wf-cancel", []string{"a", "b"}, nil)
			require.NoError(t, err)

			c, err := store.Cancel(ctx, "wf-cancel")
			require.NoError(t, err)
			require.Equal(t, workflow.WorkflowCancelled, c.Status)

			// Cancelling an already-cancelled workflow is a no-op, not an error.
			c2, err := store.Cancel(ctx, "wf-cancel")
			require.NoError(t, err)
			require.Equal(t, workflow.WorkflowCancelled, c2.Status)
		})
	}
}

func TestStore_FindCachedOutputRoundTrips(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, found, err := store.FindCachedOutput(ctx, "ffmpeg.extract_audio:deadbeef")
			require.NoError(t, err)
			require.False(t, found)

			_, _ = store.Create(ctx, "wf-cache", "/share/wf-cache", []string{"extract_audio"}, nil)
			_, _ = store.UpdateStage(ctx, "wf-cache", 0, func(r *workflow.StageRecord) error {
				r.CacheKey = "ffmpeg.extract_audio:deadbeef"
				return nil
			})
			_, err = store.RecordOutput(ctx, "wf-cache", 0, map[string]any{"audio_path": "/a.wav"}, time.Second)
			require.NoError(t, err)

			out, found, err := store.FindCachedOutput(ctx, "ffmpeg.extract_audio:deadbeef")
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, "/a.wav", out["audio_path"])

			// A second, independent workflow reaching the same cache key
			// sees the same cached output (cross-workflow reuse).
			_, _ = store.Create(ctx, "wf-cache-2", "/share/wf-cache-2", []string{"extract_audio"}, nil)
			out2, found2, err := store.FindCachedOutput(ctx, "ffmpeg.extract_audio:deadbeef")
			require.NoError(t, err)
			require.True(t, found2)
			require.Equal(t, out, out2)
		})
	}
}

func TestStore_UpdateStageRejectsStatusRewind(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = store.Create(ctx, "wf-rewind", "/share/wf-rewind", []string{"a"}, nil)
			_, err := store.RecordOutput(ctx, "wf-rewind", 0, map[string]any{"x": 1}, 0)
			require.NoError(t, err)

			_, err = store.UpdateStage(ctx, "wf-rewind", 0, func(r *workflow.StageRecord) error {
				r.Status = workflow.StageRunning
				return nil
			})
			require.Error(t, err)
		})
	}
}
