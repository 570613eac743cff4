package nodes

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/yivideo/orchestrator/internal/pathconv"
	"github.com/yivideo/orchestrator/internal/procbridge"
	"github.com/yivideo/orchestrator/internal/workflow"
)

// Transcribe is the "asr.transcribe" node. It delegates to a configurable
// Python entrypoint through the Subprocess Inference Bridge, mirroring
// the original qwen3_asr_service/faster_whisper_service contract:
// `--audio_path --output_file --model_name --backend --language`.
type Transcribe struct {
	base
	Bridge      *procbridge.Bridge
	PythonBin   string
	ScriptPath  string
	Backend     string
	WorkDirRoot string
	Timeout     time.Duration
}

func NewTranscribe(bridge *procbridge.Bridge, pythonBin, scriptPath, backend, workDirRoot string, timeout time.Duration) *Transcribe {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	return &Transcribe{
		base: newBase(
			"asr.transcribe",
			map[string]any{
				"audio_path": "${ffmpeg.extract_audio.audio_path}",
				"model_name": "${input_params.asr_model_name}",
				"language":   "${input_params.asr_language}",
			},
			[]string{"audio_path", "model_name", "language"},
			[]string{"segments_path", "language"},
		),
		Bridge:      bridge,
		PythonBin:   pythonBin,
		ScriptPath:  scriptPath,
		Backend:     backend,
		WorkDirRoot: workDirRoot,
		Timeout:     timeout,
	}
}

func (n *Transcribe) Validate(ctx context.Context, resolvedInput map[string]any) error {
	if stringField(resolvedInput, "audio_path") == "" {
		return missingField(n.Name(), "audio_path")
	}
	if stringField(resolvedInput, "model_name") == "" {
		return missingField(n.Name(), "model_name")
	}
	return nil
}

func (n *Transcribe) Execute(ctx context.Context, ex *workflow.Execution) (map[string]any, error) {
	audioPath := stringField(ex.Input, "audio_path")
	modelName := stringField(ex.Input, "model_name")
	language := stringField(ex.Input, "language")

	segmentsPath := pathconv.ArtifactPath(ex.SharedStoragePath, n.Name(), "segments", ex.WorkflowID, "", "json")
	if err := os.MkdirAll(filepath.Dir(segmentsPath), 0o755); err != nil {
		return nil, workflow.NewError(workflow.KindInferenceFailed, "", "asr.transcribe: mkdir: "+err.Error(), err)
	}

	args := []string{n.ScriptPath,
		"--audio_path", audioPath,
		"--model_name", modelName,
		"--backend", n.Backend,
	}
	if language != "" {
		args = append(args, "--language", language)
	}

	result, _, err := n.Bridge.Run(ctx, procbridge.Spec{
		NodeName:       n.Name(),
		Command:        n.PythonBin,
		Args:           args,
		OutputFileFlag: "--output_file",
		WorkDirRoot:    n.WorkDirRoot,
		RunTimeout:     n.Timeout,
	})
	if err != nil {
		return nil, err
	}

	out := map[string]any{"segments_path": segmentsPath, "language": language}
	if resultSegmentsPath, ok := result["segments_path"].(string); ok && resultSegmentsPath != "" {
		out["segments_path"] = resultSegmentsPath
	}
	if resultLanguage, ok := result["language"].(string); ok && resultLanguage != "" {
		out["language"] = resultLanguage
	}
	return out, nil
}
