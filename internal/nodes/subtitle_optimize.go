package nodes

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/yivideo/orchestrator/internal/pathconv"
	"github.com/yivideo/orchestrator/internal/workflow"
)

// Optimize is the "subtitle.optimize" node: a pure-Go correction pass over
// segment boundaries, attributing each segment to the diarized speaker it
// overlaps most and merging adjacent same-speaker segments that split a
// sentence mid-clause. Demonstrates that the Subprocess Bridge (C7) is
// optional per node — this one has no child process at all.
type Optimize struct {
	base
	MinMergeGapSeconds float64
}

func NewOptimize() *Optimize {
	n := &Optimize{
		base: newBase(
			"subtitle.optimize",
			map[string]any{
				"segments_path": "${asr.transcribe.segments_path}",
				"speakers_path": "${diarize.speakers.speakers_path}",
			},
			[]string{"segments_path", "speakers_path"},
			[]string{"optimized_segments_path"},
		),
		MinMergeGapSeconds: 0.3,
	}
	// A failed correction pass is recorded SKIPPED rather than FAILED.
	// subtitle.rebuild reads only this node's optimized_segments_path, so
	// after a skip it fails with UnresolvedReference; it has no fallback
	// to the unoptimized segments.
	n.optional = true
	return n
}

func (n *Optimize) Validate(ctx context.Context, resolvedInput map[string]any) error {
	if stringField(resolvedInput, "segments_path") == "" {
		return missingField(n.Name(), "segments_path")
	}
	if stringField(resolvedInput, "speakers_path") == "" {
		return missingField(n.Name(), "speakers_path")
	}
	return nil
}

func (n *Optimize) Execute(ctx context.Context, ex *workflow.Execution) (map[string]any, error) {
	segmentsPath := stringField(ex.Input, "segments_path")
	speakersPath := stringField(ex.Input, "speakers_path")

	segments, err := readSegments(segmentsPath)
	if err != nil {
		return nil, err
	}
	turns, err := readSpeakerTurns(speakersPath)
	if err != nil {
		return nil, err
	}

	attributed := attributeSpeakers(segments, turns)
	merged := mergeAdjacent(attributed, n.MinMergeGapSeconds)

	outPath := pathconv.ArtifactPath(ex.SharedStoragePath, n.Name(), "optimized_segments", ex.WorkflowID, "", "json")
	if err := writeJSONFile(outPath, merged); err != nil {
		return nil, err
	}

	return map[string]any{"optimized_segments_path": outPath}, nil
}

func attributeSpeakers(segments []segment, turns []speakerTurn) []segment {
	out := make([]segment, len(segments))
	for i, s := range segments {
		if s.Speaker != "" || len(turns) == 0 {
			out[i] = s
			continue
		}
		best := ""
		bestOverlap := 0.0
		for _, t := range turns {
			ov := overlapRatio(s.Start, s.End, t.Start, t.End)
			if ov > bestOverlap {
				bestOverlap = ov
				best = t.Speaker
			}
		}
		s.Speaker = best
		out[i] = s
	}
	return out
}

// mergeAdjacent joins consecutive same-speaker segments separated by a
// gap under minGap and whose boundary falls mid-clause (the earlier
// segment's text does not end in terminal punctuation).
func mergeAdjacent(segments []segment, minGap float64) []segment {
	if len(segments) == 0 {
		return segments
	}
	out := make([]segment, 0, len(segments))
	cur := segments[0]
	for _, next := range segments[1:] {
		sameSpeaker := cur.Speaker == next.Speaker
		gap := next.Start - cur.End
		midClause := !endsSentence(cur.Text)
		if sameSpeaker && gap <= minGap && midClause {
			cur.End = next.End
			cur.Text = strings.TrimSpace(cur.Text + " " + next.Text)
			continue
		}
		out = append(out, cur)
		cur = next
	}
	out = append(out, cur)
	return out
}

func endsSentence(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}
	runes := []rune(text)
	last := runes[len(runes)-1]
	return last == '.' || last == '!' || last == '?' || last == '。' || last == '！' || last == '？'
}

func readSegments(path string) ([]segment, *workflow.OrchestratorError) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, workflow.NewError(workflow.KindInvalidInput, "", "read segments_path: "+err.Error(), err)
	}
	var segments []segment
	if err := json.Unmarshal(raw, &segments); err != nil {
		return nil, workflow.NewError(workflow.KindInvalidInput, "", "parse segments_path: "+err.Error(), err)
	}
	return segments, nil
}

func readSpeakerTurns(path string) ([]speakerTurn, *workflow.OrchestratorError) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, workflow.NewError(workflow.KindInvalidInput, "", "read speakers_path: "+err.Error(), err)
	}
	var turns []speakerTurn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, workflow.NewError(workflow.KindInvalidInput, "", "parse speakers_path: "+err.Error(), err)
	}
	return turns, nil
}

func writeJSONFile(path string, v any) *workflow.OrchestratorError {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return workflow.NewError(workflow.KindInferenceFailed, "", "mkdir: "+err.Error(), err)
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return workflow.NewError(workflow.KindInvalidOutput, "", "marshal: "+err.Error(), err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return workflow.NewError(workflow.KindInferenceFailed, "", "write: "+err.Error(), err)
	}
	return nil
}
