package nodes

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/yivideo/orchestrator/internal/pathconv"
	"github.com/yivideo/orchestrator/internal/procgroup"
	"github.com/yivideo/orchestrator/internal/workflow"
)

// ExtractAudio is the "ffmpeg.extract_audio" node: it shells directly out
// to an ffmpeg/ffprobe binary pair rather than the Subprocess Inference
// Bridge, since ffmpeg does not speak the C7 JSON result contract. Runs
// are still placed in their own process group (C11) the same way C7
// does, grounded on the teacher's ffmpeg.Runner.runOnce process setup.
type ExtractAudio struct {
	base
	FFmpegBin  string
	FFprobeBin string
	Timeout    time.Duration
}

// NewExtractAudio constructs the node. ffmpegBin/ffprobeBin default to
// "ffmpeg"/"ffprobe" on the PATH when empty.
func NewExtractAudio(ffmpegBin, ffprobeBin string, timeout time.Duration) *ExtractAudio {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	n := &ExtractAudio{
		base: newBase(
			"ffmpeg.extract_audio",
			map[string]any{"video_path": "${input_params.video_path}"},
			[]string{"video_path"},
			[]string{"audio_path", "duration_seconds"},
		),
		FFmpegBin:  ffmpegBin,
		FFprobeBin: ffprobeBin,
		Timeout:    timeout,
	}
	return n
}

func (n *ExtractAudio) Validate(ctx context.Context, resolvedInput map[string]any) error {
	if stringField(resolvedInput, "video_path") == "" {
		return missingField(n.Name(), "video_path")
	}
	return nil
}

func (n *ExtractAudio) Execute(ctx context.Context, ex *workflow.Execution) (map[string]any, error) {
	videoPath := stringField(ex.Input, "video_path")

	audioPath := pathconv.ArtifactPath(ex.SharedStoragePath, n.Name(), "audio", ex.WorkflowID, "", "wav")
	if err := os.MkdirAll(filepath.Dir(audioPath), 0o755); err != nil {
		return nil, workflow.NewError(workflow.KindInferenceFailed, "", "ffmpeg.extract_audio: mkdir: "+err.Error(), err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if n.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, n.FFmpegBin,
		"-y", "-i", videoPath,
		"-vn", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1",
		audioPath,
	)
	procgroup.Set(cmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return nil, workflow.NewError(workflow.KindTimeout, "", "ffmpeg.extract_audio: deadline exceeded", runCtx.Err())
		}
		return nil, workflow.NewError(workflow.KindInferenceFailed, "", "ffmpeg.extract_audio: "+err.Error()+": "+stderr.String(), err)
	}

	duration, err := n.probeDuration(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"audio_path":       audioPath,
		"duration_seconds": duration,
	}, nil
}

func (n *ExtractAudio) probeDuration(ctx context.Context, audioPath string) (float64, *workflow.OrchestratorError) {
	cmd := exec.CommandContext(ctx, n.FFprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		audioPath,
	)
	procgroup.Set(cmd)
	out, err := cmd.Output()
	if err != nil {
		return 0, workflow.NewError(workflow.KindInferenceFailed, "", "ffmpeg.extract_audio: ffprobe: "+err.Error(), err)
	}
	duration, parseErr := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if parseErr != nil {
		return 0, workflow.NewError(workflow.KindInvalidOutput, "", "ffmpeg.extract_audio: unparseable duration: "+parseErr.Error(), parseErr)
	}
	return duration, nil
}
