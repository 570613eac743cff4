// Package cachekey implements the Cache Key & Reuse Judge (SPEC_FULL.md
// C2): deciding whether a prior stage output may be grafted into a new
// run instead of re-executing the stage.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/yivideo/orchestrator/internal/workflow"
)

// Generate projects resolvedInput onto cacheKeyFields, serializes the
// projection as canonical (sorted-key) JSON, and hashes it. Fields absent
// from resolvedInput are omitted, never substituted with a zero value, so
// a stage that leaves a field unset never collides with one that sets it.
//
// An empty cacheKeyFields list means the node opts out of reuse; Generate
// returns "" in that case and callers must treat "" as "never reuse."
func Generate(nodeName string, resolvedInput map[string]any, cacheKeyFields []string) string {
	if len(cacheKeyFields) == 0 {
		return ""
	}
	projection := make(map[string]any, len(cacheKeyFields))
	for _, field := range cacheKeyFields {
		if v, ok := resolvedInput[field]; ok {
			projection[field] = v
		}
	}
	canon := canonicalJSON(projection)
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%s:%s", nodeName, hex.EncodeToString(sum[:]))
}

// Scoped is Generate with an explicit reuse scope folded into the digest,
// resolving the spec's open question about whether cache reuse crosses
// workflows or tenants: an empty scope preserves the original
// cross-workflow behavior, a non-empty scope (e.g. a tenant id) partitions
// the cache space without touching call sites that don't need isolation.
func Scoped(scope, nodeName string, resolvedInput map[string]any, cacheKeyFields []string) string {
	key := Generate(nodeName, resolvedInput, cacheKeyFields)
	if key == "" || scope == "" {
		return key
	}
	sum := sha256.Sum256([]byte(scope + "\x00" + key))
	return fmt.Sprintf("%s:%s", nodeName, hex.EncodeToString(sum[:]))
}

// canonicalJSON serializes v with recursively sorted object keys. Go's
// encoding/json already sorts map[string]any keys on marshal, but nested
// maps of type map[string]any are covered the same way, so this is a thin
// documented wrapper rather than a hand-rolled encoder.
func canonicalJSON(v any) []byte {
	b, err := json.Marshal(sortedCopy(v))
	if err != nil {
		// v is always built from JSON-decoded or literal Go values by
		// the time it reaches here; a marshal failure would indicate a
		// node produced a non-serializable cache key field, which is a
		// programming error in that node, not a runtime condition to
		// recover from.
		panic(fmt.Sprintf("cachekey: unmarshalable projection: %v", err))
	}
	return b
}

// sortedCopy is a no-op for encoding/json's purposes (maps already marshal
// with sorted keys) but documents the invariant the digest depends on:
// callers must never rely on map iteration order elsewhere.
func sortedCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortedCopy(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedCopy(e)
		}
		return out
	default:
		return v
	}
}

// CanReuse decides whether stageRecord's existing output may stand in for
// a fresh execution, given the node's declared required output fields.
func CanReuse(stageRecord *workflow.StageRecord, requiredOutputFields []string) bool {
	if stageRecord == nil || stageRecord.Status != workflow.StageSucceeded {
		return false
	}
	return CanReuseOutput(stageRecord.Output, requiredOutputFields)
}

// CanReuseOutput is CanReuse's field-completeness check applied directly to
// an output mapping, for callers (the cross-workflow cache index) that have
// a recorded output without a full StageRecord to go with it.
func CanReuseOutput(output map[string]any, requiredOutputFields []string) bool {
	if len(output) == 0 {
		return false
	}
	for _, field := range requiredOutputFields {
		v, ok := output[field]
		if !ok {
			return false
		}
		if v == nil {
			return false
		}
		if s, isString := v.(string); isString && s == "" {
			return false
		}
	}
	return true
}
