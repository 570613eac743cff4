package nodes

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/yivideo/orchestrator/internal/pathconv"
	"github.com/yivideo/orchestrator/internal/procbridge"
	"github.com/yivideo/orchestrator/internal/workflow"
)

// Diarize is the "diarize.speakers" node, mirroring the original
// pyannote_audio_service subprocess contract: `--audio_path --output_file`,
// plus an optional `--num_speakers` hint this system adds on top.
type Diarize struct {
	base
	Bridge      *procbridge.Bridge
	PythonBin   string
	ScriptPath  string
	WorkDirRoot string
	Timeout     time.Duration
}

func NewDiarize(bridge *procbridge.Bridge, pythonBin, scriptPath, workDirRoot string, timeout time.Duration) *Diarize {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	return &Diarize{
		base: newBase(
			"diarize.speakers",
			map[string]any{
				"audio_path":   "${ffmpeg.extract_audio.audio_path}",
				"num_speakers": "${input_params.num_speakers}",
			},
			[]string{"audio_path", "num_speakers"},
			[]string{"speakers_path"},
		),
		Bridge:      bridge,
		PythonBin:   pythonBin,
		ScriptPath:  scriptPath,
		WorkDirRoot: workDirRoot,
		Timeout:     timeout,
	}
}

func (n *Diarize) Validate(ctx context.Context, resolvedInput map[string]any) error {
	if stringField(resolvedInput, "audio_path") == "" {
		return missingField(n.Name(), "audio_path")
	}
	return nil
}

func (n *Diarize) Execute(ctx context.Context, ex *workflow.Execution) (map[string]any, error) {
	audioPath := stringField(ex.Input, "audio_path")
	numSpeakers := intField(ex.Input, "num_speakers")

	speakersPath := pathconv.ArtifactPath(ex.SharedStoragePath, n.Name(), "speakers", ex.WorkflowID, "", "json")
	if err := os.MkdirAll(filepath.Dir(speakersPath), 0o755); err != nil {
		return nil, workflow.NewError(workflow.KindInferenceFailed, "", "diarize.speakers: mkdir: "+err.Error(), err)
	}

	args := []string{n.ScriptPath, "--audio_path", audioPath}
	if numSpeakers > 0 {
		args = append(args, "--num_speakers", strconv.Itoa(numSpeakers))
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

	out := map[string]any{"speakers_path": speakersPath}
	if resultSpeakersPath, ok := result["speakers_path"].(string); ok && resultSpeakersPath != "" {
		out["speakers_path"] = resultSpeakersPath
	}
	return out, nil
}
