package engine

import "fmt"

// Phase names the lifecycle step in which a node failed.
type Phase string

const (
	PhaseResolve   Phase = "resolve"
	PhaseGate      Phase = "gate"
	PhaseProvision Phase = "provision"
	PhaseCompile   Phase = "compile"
	PhaseSpawn     Phase = "spawn"
	PhaseStream    Phase = "stream"
)

// NodeError is a fatal failure of one node instance. Other nodes of the
// tree keep running.
type NodeError struct {
	Node  string
	Phase Phase
	Err   error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q: %s: %v", e.Node, e.Phase, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}
