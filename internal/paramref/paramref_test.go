package paramref

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yivideo/orchestrator/internal/workflow"
)

func TestParseLeaf_ClassifiesReferenceVsLiteral(t *testing.T) {
	ref := ParseLeaf("${extract_audio.audio_path}")
	r, ok := ref.(workflow.Reference)
	require.True(t, ok)
	assert.Equal(t, "extract_audio", r.Source)
	assert.Equal(t, "audio_path", r.Path)

	lit := ParseLeaf("not a reference")
	_, ok = lit.(workflow.Literal)
	assert.True(t, ok)

	numLit := ParseLeaf(42)
	l, ok := numLit.(workflow.Literal)
	require.True(t, ok)
	assert.Equal(t, 42, l.Value)
}

func TestResolve_HappyPath(t *testing.T) {
	ctx := &workflow.Context{
		Stages: []*workflow.StageRecord{
			{Name: "extract_audio", Status: workflow.StageSucceeded, Output: map[string]any{"audio_path": "/share/a.wav"}},
		},
	}
	tmpl := ParseTemplate(map[string]any{
		"audio_path": "${extract_audio.audio_path}",
		"model_name": "qwen3-asr",
	})
	out, err := Resolve(tmpl, ctx, nil, 1)
	require.Nil(t, err)
	assert.Equal(t, "/share/a.wav", out["audio_path"])
	assert.Equal(t, "qwen3-asr", out["model_name"])
}

func TestResolve_InputParamsSource(t *testing.T) {
	ctx := &workflow.Context{}
	tmpl := ParseTemplate(map[string]any{"video_path": "${input_params.video_path}"})
	out, err := Resolve(tmpl, ctx, map[string]any{"video_path": "/share/in/a.mp4"}, 0)
	require.Nil(t, err)
	assert.Equal(t, "/share/in/a.mp4", out["video_path"])
}

func TestResolve_UnresolvedReferenceWhenStageNotSucceeded(t *testing.T) {
	ctx := &workflow.Context{
		Stages: []*workflow.StageRecord{
			{Name: "transcribe", Status: workflow.StagePending},
		},
	}
	tmpl := ParseTemplate(map[string]any{"x": "${transcribe.text}"})
	_, err := Resolve(tmpl, ctx, nil, 1)
	require.NotNil(t, err)
	assert.Equal(t, workflow.KindUnresolvedReference, err.Kind)
}

func TestResolve_MissingFieldWhenPathAbsent(t *testing.T) {
	ctx := &workflow.Context{
		Stages: []*workflow.StageRecord{
			{Name: "extract_audio", Status: workflow.StageSucceeded, Output: map[string]any{"audio_path": "/a.wav"}},
		},
	}
	tmpl := ParseTemplate(map[string]any{"x": "${extract_audio.duration_seconds}"})
	_, err := Resolve(tmpl, ctx, nil, 1)
	require.NotNil(t, err)
	assert.Equal(t, workflow.KindMissingField, err.Kind)
}

func TestResolve_ZeroAndFalseAreNotAbsent(t *testing.T) {
	ctx := &workflow.Context{
		Stages: []*workflow.StageRecord{
			{Name: "diarize", Status: workflow.StageSucceeded, Output: map[string]any{"num_speakers": 0, "multi": false}},
		},
	}
	tmpl := ParseTemplate(map[string]any{"n": "${diarize.num_speakers}", "m": "${diarize.multi}"})
	out, err := Resolve(tmpl, ctx, nil, 1)
	require.Nil(t, err)
	assert.Equal(t, 0, out["n"])
	assert.Equal(t, false, out["m"])
}

func TestResolve_DottedPathIntoNestedMapping(t *testing.T) {
	ctx := &workflow.Context{
		Stages: []*workflow.StageRecord{
			{Name: "transcribe", Status: workflow.StageSucceeded, Output: map[string]any{
				"statistics": map[string]any{"total_words": 120},
			}},
		},
	}
	tmpl := ParseTemplate(map[string]any{"words": "${transcribe.statistics.total_words}"})
	out, err := Resolve(tmpl, ctx, nil, 1)
	require.Nil(t, err)
	assert.Equal(t, 120, out["words"])
}

func TestResolve_RepeatedStageNamePicksOccurrenceUpToIndex(t *testing.T) {
	ctx := &workflow.Context{
		Stages: []*workflow.StageRecord{
			{Name: "subtitle.optimize", Status: workflow.StageSucceeded, Output: map[string]any{"pass": 1}},
			{Name: "subtitle.optimize", Status: workflow.StageSucceeded, Output: map[string]any{"pass": 2}},
		},
	}
	tmpl := ParseTemplate(map[string]any{"p": "${subtitle.optimize.pass}"})
	out, err := Resolve(tmpl, ctx, nil, 1)
	require.Nil(t, err)
	assert.Equal(t, 1, out["p"])

	out2, err2 := Resolve(tmpl, ctx, nil, 2)
	require.Nil(t, err2)
	assert.Equal(t, 2, out2["p"])
}

func TestResolve_SinglePassDoesNotRescanResolvedValues(t *testing.T) {
	ctx := &workflow.Context{
		Stages: []*workflow.StageRecord{
			{Name: "a", Status: workflow.StageSucceeded, Output: map[string]any{"text": "${b.x}"}},
		},
	}
	tmpl := ParseTemplate(map[string]any{"y": "${a.text}"})
	out, err := Resolve(tmpl, ctx, nil, 1)
	require.Nil(t, err)
	assert.Equal(t, "${b.x}", out["y"])
}
