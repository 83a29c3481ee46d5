package workflow

import "fmt"

type NodeKind int

const (
	NodeTask NodeKind = iota
	NodeSubWorkflow
	NodeLaunchPlan
	NodeBranch
)

func (k NodeKind) String() string {
	switch k {
	case NodeTask:
		return "task"
	case NodeSubWorkflow:
		return "sub_workflow"
	case NodeLaunchPlan:
		return "launch_plan"
	case NodeBranch:
		return "branch"
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *NodeKind) UnmarshalText(b []byte) error {
	for c := NodeTask; c <= NodeBranch; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown node kind %q", b)
}

// Node is one vertex of a workflow graph. Kind selects which of the
// other fields are meaningful: Nodes holds the body of a sub-workflow or
// a launch-plan reference, Branches the alternatives of a branch node.
type Node struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Kind     NodeKind `json:"kind"`
	Nodes    []Node   `json:"nodes,omitempty"`
	Branches []Node   `json:"branches,omitempty"`
}

// Step is a leaf of the flattened graph.
type Step struct {
	Index  int
	NodeID string
	Name   string
	// Branch is the id of the enclosing branch node, if any.
	Branch string
}

// FlattenNodes walks the graph depth first and returns its task steps in
// order, together with an index keyed by node id. Nested ids are
// prefixed with their parent id so they stay unique.
func FlattenNodes(nodes []Node) ([]Step, map[string]int) {
	f := &flattener{index: map[string]int{}}
	f.walk(nodes, "", "")
	return f.steps, f.index
}

type flattener struct {
	steps []Step
	index map[string]int
}

func (f *flattener) walk(nodes []Node, prefix, branch string) {
	for _, n := range nodes {
		id := n.ID
		if prefix != "" {
			id = prefix + "-" + n.ID
		}
		switch n.Kind {
		case NodeTask:
			f.add(id, n.Name, branch)
		case NodeSubWorkflow, NodeLaunchPlan:
			if len(n.Nodes) == 0 {
				// Opaque reference: track it as a single step.
				f.add(id, n.Name, branch)
				continue
			}
			f.walk(n.Nodes, id, branch)
		case NodeBranch:
			f.walk(n.Branches, id, id)
		default:
			f.add(id, n.Name, branch)
		}
	}
}

func (f *flattener) add(id, name, branch string) {
	if _, seen := f.index[id]; seen {
		return
	}
	if name == "" {
		name = id
	}
	f.index[id] = len(f.steps)
	f.steps = append(f.steps, Step{Index: len(f.steps), NodeID: id, Name: name, Branch: branch})
}
