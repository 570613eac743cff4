package nodes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yivideo/orchestrator/internal/pathconv"
	"github.com/yivideo/orchestrator/internal/workflow"
)

// Rebuild is the "subtitle.rebuild" node: a minimal pure-Go SRT emitter.
// Concrete subtitle-format emitters are out of scope; this exists only so
// the end-to-end scenarios in this system are runnable start to finish.
type Rebuild struct {
	base
}

func NewRebuild() *Rebuild {
	return &Rebuild{
		base: newBase(
			"subtitle.rebuild",
			map[string]any{"optimized_segments_path": "${subtitle.optimize.optimized_segments_path}"},
			[]string{"optimized_segments_path"},
			[]string{"subtitle_path"},
		),
	}
}

func (n *Rebuild) Validate(ctx context.Context, resolvedInput map[string]any) error {
	if stringField(resolvedInput, "optimized_segments_path") == "" {
		return missingField(n.Name(), "optimized_segments_path")
	}
	return nil
}

func (n *Rebuild) Execute(ctx context.Context, ex *workflow.Execution) (map[string]any, error) {
	segmentsPath := stringField(ex.Input, "optimized_segments_path")

	segments, err := readSegments(segmentsPath)
	if err != nil {
		return nil, err
	}

	outPath := pathconv.ArtifactPath(ex.SharedStoragePath, n.Name(), "subtitle", ex.WorkflowID, "", "srt")
	srt := renderSRT(segments)
	if werr := writeTextFile(outPath, srt); werr != nil {
		return nil, werr
	}

	return map[string]any{"subtitle_path": outPath}, nil
}

func renderSRT(segments []segment) string {
	var b strings.Builder
	for i, s := range segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, srtTimestamp(s.Start), srtTimestamp(s.End), s.Text)
	}
	return b.String()
}

func srtTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(seconds * 1000)
	ms := total % 1000
	total /= 1000
	secs := total % 60
	total /= 60
	mins := total % 60
	hours := total / 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, mins, secs, ms)
}

func writeTextFile(path, content string) *workflow.OrchestratorError {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return workflow.NewError(workflow.KindInferenceFailed, "", "mkdir: "+err.Error(), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return workflow.NewError(workflow.KindInferenceFailed, "", "write: "+err.Error(), err)
	}
	return nil
}
