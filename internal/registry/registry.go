// Package registry is the dispatch table binding a stage's declared
// node_name to the concrete workflow.Node implementation that runs it.
package registry

import (
	"fmt"
	"sync"

	"github.com/yivideo/orchestrator/internal/workflow"
)

/*
The node registry is the only place where node_name -> code binding
happens. The Scheduler and Node Executor never know about concrete node
implementations; they only ask the registry for whichever Node claims a
given name. That indirection lets the same Executor run against stand-in
nodes in tests and real subprocess-backed nodes in production without any
change to the scheduling path.
*/

// Registry is a concurrency-safe map of node_name -> workflow.Node.
//
// Invariants:
//   - at most one Node may be registered per name
//   - registration happens at process startup
//   - Lookup may be called concurrently from many stage executions
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]workflow.Node
}

func New() *Registry {
	return &Registry{nodes: make(map[string]workflow.Node)}
}

// Register adds a node under its own Name(). Registering a second node
// under a name already taken is a wiring error, not a retryable one, so
// it fails fast at startup rather than silently shadowing the first.
func (r *Registry) Register(n workflow.Node) error {
	if n == nil {
		return fmt.Errorf("registry: nil node")
	}
	name := n.Name()
	if name == "" {
		return fmt.Errorf("registry: node Name() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[name]; exists {
		return fmt.Errorf("registry: node already registered for name=%s", name)
	}
	r.nodes[name] = n
	return nil
}

// MustRegister is Register, panicking on error. Intended for process
// startup wiring where a registration failure should abort immediately.
func (r *Registry) MustRegister(n workflow.Node) {
	if err := r.Register(n); err != nil {
		panic(err)
	}
}

// Lookup retrieves the node responsible for a given node_name. Satisfies
// nodeexec.Registry.
func (r *Registry) Lookup(nodeName string) (workflow.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeName]
	return n, ok
}

// Names returns every registered node_name, for diagnostics and CLI
// introspection.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		out = append(out, name)
	}
	return out
}
