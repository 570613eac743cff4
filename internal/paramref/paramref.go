// Package paramref implements the Parameter Resolver (SPEC_FULL.md C3):
// turning a node's input_template into a concrete, fully-literal input map
// by dereferencing ${stage_name.field} and ${input_params.field}
// placeholders against the workflow Context.
package paramref

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/yivideo/orchestrator/internal/workflow"
)

// referencePattern is the reference grammar from SPEC_FULL.md §4.3: a
// string is a reference iff its entire value matches this pattern. Any
// other string, and every non-string leaf, is a literal.
var referencePattern = regexp.MustCompile(`^\$\{([A-Za-z0-9_.]+)\.(.+)\}$`)

const inputParamsSource = "input_params"

// ParseLeaf classifies a raw template leaf value into a workflow.Literal
// or workflow.Reference. Non-string values are always literal.
func ParseLeaf(raw any) workflow.TemplateValue {
	s, ok := raw.(string)
	if !ok {
		return workflow.Literal{Value: raw}
	}
	m := referencePattern.FindStringSubmatch(s)
	if m == nil {
		return workflow.Literal{Value: raw}
	}
	return workflow.Reference{Source: m[1], Path: m[2]}
}

// ParseTemplate walks a raw map (as decoded from a workflow definition) and
// produces a workflow.Template with every leaf classified once. Nested
// maps and slices become TemplateMap/TemplateList so the shape is
// preserved and resolution never re-parses a string.
func ParseTemplate(raw map[string]any) workflow.Template {
	out := make(workflow.Template, len(raw))
	for k, v := range raw {
		out[k] = parseValue(v)
	}
	return out
}

func parseValue(v any) workflow.TemplateValue {
	switch t := v.(type) {
	case map[string]any:
		m := make(workflow.TemplateMap, len(t))
		for k, vv := range t {
			m[k] = parseValue(vv)
		}
		return m
	case []any:
		l := make(workflow.TemplateList, len(t))
		for i, vv := range t {
			l[i] = parseValue(vv)
		}
		return l
	default:
		return ParseLeaf(v)
	}
}

// Resolve produces a fully-literal input mapping for one stage by
// dereferencing every Reference in tmpl against ctx (prior stage outputs)
// and inputParams (the workflow's original submission parameters).
// upToIndex limits stage-name lookups to positions strictly below it
// (the executor passes the resolving stage's index plus one), so a later-chain stage of the same node name cannot be
// mistaken for the reference target (SPEC_FULL.md permits repeated node
// names; each occurrence is addressed by the Scheduler passing the
// correct upToIndex for the stage currently resolving).
func Resolve(tmpl workflow.Template, ctx *workflow.Context, inputParams map[string]any, upToIndex int) (map[string]any, *workflow.OrchestratorError) {
	out := make(map[string]any, len(tmpl))
	for k, v := range tmpl {
		resolved, err := resolveValue(v, ctx, inputParams, upToIndex)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v workflow.TemplateValue, ctx *workflow.Context, inputParams map[string]any, upToIndex int) (any, *workflow.OrchestratorError) {
	switch t := v.(type) {
	case workflow.Literal:
		return t.Value, nil
	case workflow.Reference:
		return resolveReference(t, ctx, inputParams, upToIndex)
	case workflow.TemplateMap:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			resolved, err := resolveValue(vv, ctx, inputParams, upToIndex)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case workflow.TemplateList:
		out := make([]any, len(t))
		for i, vv := range t {
			resolved, err := resolveValue(vv, ctx, inputParams, upToIndex)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return nil, workflow.NewError(workflow.KindMissingField, "", fmt.Sprintf("unrecognized template value type %T", v), nil)
	}
}

func resolveReference(ref workflow.Reference, ctx *workflow.Context, inputParams map[string]any, upToIndex int) (any, *workflow.OrchestratorError) {
	// ParseLeaf's source capture is greedy ("${a.b.c}" gives source "a.b"),
	// so shorter dot-separated source prefixes are tried until one names
	// input_params or a stage, moving the rest onto the path.
	sourceName, path := ref.Source, ref.Path
	for sourceName != inputParamsSource && lastStageByNameUpTo(ctx, sourceName, upToIndex) == nil {
		i := strings.LastIndex(sourceName, ".")
		if i <= 0 {
			sourceName, path = ref.Source, ref.Path
			break
		}
		sourceName, path = sourceName[:i], sourceName[i+1:]+"."+path
	}
	var source map[string]any
	if sourceName == inputParamsSource {
		source = inputParams
	} else {
		stage := lastStageByNameUpTo(ctx, sourceName, upToIndex)
		if stage == nil || stage.Status != workflow.StageSucceeded {
			return nil, workflow.NewError(
				workflow.KindUnresolvedReference,
				"",
				fmt.Sprintf("reference ${%s.%s}: stage %q is not SUCCESS", ref.Source, ref.Path, sourceName),
				nil,
			)
		}
		source = stage.Output
	}
	value, ok := lookupDottedPath(source, path)
	if !ok {
		return nil, workflow.NewError(
			workflow.KindMissingField,
			"",
			fmt.Sprintf("reference ${%s.%s}: path %q not found", ref.Source, ref.Path, path),
			nil,
		)
	}
	return value, nil
}

func lastStageByNameUpTo(ctx *workflow.Context, name string, upToIndex int) *workflow.StageRecord {
	if ctx == nil {
		return nil
	}
	limit := upToIndex
	if limit < 0 || limit > len(ctx.Stages) {
		limit = len(ctx.Stages)
	}
	var found *workflow.StageRecord
	for i := 0; i < limit; i++ {
		if ctx.Stages[i].Name == name {
			found = ctx.Stages[i]
		}
	}
	return found
}

// lookupDottedPath walks dotted path segments through nested
// map[string]any values. Numeric segments index into []any.
func lookupDottedPath(source map[string]any, path string) (any, bool) {
	if source == nil {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var cur any = source
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
