// Package pathconv implements the deterministic shared-storage path
// conventions (SPEC_FULL.md C8) so that downstream stages never need to be
// told a prior stage's output locations explicitly: they derive them from
// the node name and workflow id.
package pathconv

import (
	"fmt"
	"path/filepath"
)

// NodeDataDir returns a stage's default output directory:
// {sharedStoragePath}/nodes/{nodeName}/data/
func NodeDataDir(sharedStoragePath, nodeName string) string {
	return filepath.Join(sharedStoragePath, "nodes", nodeName, "data")
}

// ArtifactPath returns the deterministic path for one artifact produced by
// nodeName: {data_dir}/{artifactKind}_{workflowID}[{variant}].{ext}
// variant may be empty.
func ArtifactPath(sharedStoragePath, nodeName, artifactKind, workflowID, variant, ext string) string {
	name := fmt.Sprintf("%s_%s", artifactKind, workflowID)
	if variant != "" {
		name += variant
	}
	name += "." + ext
	return filepath.Join(NodeDataDir(sharedStoragePath, nodeName), name)
}

// ContextDumpPath returns the optional debugging dump location for a
// workflow's context snapshot.
func ContextDumpPath(sharedStoragePath string) string {
	return filepath.Join(sharedStoragePath, "context.json")
}
