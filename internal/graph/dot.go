package graph

import (
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/me/gomh/pkg/model"
)

// ContextAttr is the DOT vertex attribute carrying the task context id.
const ContextAttr = "ctxid"

// DOTID implements dot.Node.
func (v vertex) DOTID() string { return strconv.FormatInt(v.TaskID, 10) }

// Attributes implements encoding.Attributer.
func (v vertex) Attributes() []encoding.Attribute {
	return []encoding.Attribute{{Key: ContextAttr, Value: v.ContextID}}
}

// dotNode collects a vertex while the DOT text is decoded. Decoder node ids
// are provisional; the task id comes from the DOT id.
type dotNode struct {
	id       int64
	dotID    string
	ctxID    string
	declared bool
}

func (n *dotNode) ID() int64          { return n.id }
func (n *dotNode) SetDOTID(id string) { n.dotID = id }

func (n *dotNode) SetAttribute(a encoding.Attribute) error {
	if a.Key == ContextAttr {
		n.ctxID = a.Value
		n.declared = true
	}
	return nil
}

// dotBuilder receives the decoded graph. Self loops are recorded instead
// of being handed to simple.DirectedGraph, which panics on them.
type dotBuilder struct {
	*simple.DirectedGraph
	selfLoops []string
}

func (b *dotBuilder) NewNode() graph.Node {
	return &dotNode{id: b.DirectedGraph.NewNode().ID()}
}

func (b *dotBuilder) SetEdge(e graph.Edge) {
	if e.From().ID() == e.To().ID() {
		b.selfLoops = append(b.selfLoops, e.From().(*dotNode).dotID)
		return
	}
	b.DirectedGraph.SetEdge(e)
}

// Import parses a DOT digraph into an ExecutionGraph. Every vertex id must
// be an integer task id declared with a ctxid attribute. Malformed text,
// undeclared edge endpoints and cycles are StructuralErrors.
func Import(text string) (*ExecutionGraph, error) {
	const op = "import graph"
	b := &dotBuilder{DirectedGraph: simple.NewDirectedGraph()}
	if err := dot.Unmarshal([]byte(text), b); err != nil {
		return nil, model.NewStructuralError(op, "%v", err)
	}
	if len(b.selfLoops) > 0 {
		return nil, model.NewStructuralError(op, "self loop on vertex %s", b.selfLoops[0])
	}

	eg := New()
	taskIDs := make(map[int64]int64)
	nodes := b.Nodes()
	for nodes.Next() {
		n := nodes.Node().(*dotNode)
		taskID, err := strconv.ParseInt(n.dotID, 10, 64)
		if err != nil {
			return nil, model.NewStructuralError(op, "vertex id %q is not a task id", n.dotID)
		}
		if !n.declared {
			return nil, model.NewStructuralError(op, "edge references unknown vertex %d", taskID)
		}
		if err := eg.AddVertex(model.TaskVertex{TaskID: taskID, ContextID: n.ctxID}); err != nil {
			return nil, err
		}
		taskIDs[n.id] = taskID
	}

	edges := b.Edges()
	for edges.Next() {
		e := edges.Edge()
		from, to := taskIDs[e.From().ID()], taskIDs[e.To().ID()]
		eg.g.SetEdge(eg.g.NewEdge(eg.g.Node(from), eg.g.Node(to)))
	}

	if _, err := eg.TopologicalOrder(); err != nil {
		return nil, err
	}
	return eg, nil
}

// Export renders the graph as DOT text that Import accepts.
func (eg *ExecutionGraph) Export() (string, error) {
	out, err := dot.Marshal(eg.g, "G", "", "  ")
	if err != nil {
		return "", fmt.Errorf("export graph: %w", err)
	}
	return string(out), nil
}
