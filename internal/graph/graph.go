// Package graph holds the per-execution task graph.
package graph

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"

	"github.com/me/gomh/pkg/model"
)

// VerifyPolicy tunes the structural checks of Verify.
type VerifyPolicy struct {
	// AllowIsolated accepts vertices with neither incoming nor outgoing
	// edges in a graph of more than one vertex.
	AllowIsolated bool
}

// ExecutionGraph is a DAG of task vertices. An edge A -> B means A must
// finish before B may start. Node ids in the underlying graph are task ids.
type ExecutionGraph struct {
	g *simple.DirectedGraph
}

// New returns an empty graph.
func New() *ExecutionGraph {
	return &ExecutionGraph{g: simple.NewDirectedGraph()}
}

// vertex adapts model.TaskVertex to gonum's node interfaces.
type vertex struct {
	model.TaskVertex
}

func (v vertex) ID() int64 { return v.TaskID }

func toVertices(nodes []graph.Node) []model.TaskVertex {
	out := make([]model.TaskVertex, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.(vertex).TaskVertex)
	}
	sortVertices(out)
	return out
}

func sortVertices(vs []model.TaskVertex) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].TaskID < vs[j].TaskID })
}

func sortNodes(nodes []graph.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
}

// Len returns the number of vertices.
func (eg *ExecutionGraph) Len() int {
	return eg.g.Nodes().Len()
}

// HasVertex reports whether taskID is a vertex of the graph.
func (eg *ExecutionGraph) HasVertex(taskID int64) bool {
	return eg.g.Node(taskID) != nil
}

// Vertex returns the vertex for taskID.
func (eg *ExecutionGraph) Vertex(taskID int64) (model.TaskVertex, bool) {
	n := eg.g.Node(taskID)
	if n == nil {
		return model.TaskVertex{}, false
	}
	return n.(vertex).TaskVertex, true
}

// Vertices returns all vertices ordered by task id.
func (eg *ExecutionGraph) Vertices() []model.TaskVertex {
	return toVertices(graph.NodesOf(eg.g.Nodes()))
}

// Edges returns every edge as a (from, to) pair, ordered.
func (eg *ExecutionGraph) Edges() [][2]int64 {
	var out [][2]int64
	edges := eg.g.Edges()
	for edges.Next() {
		e := edges.Edge()
		out = append(out, [2]int64{e.From().ID(), e.To().ID()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// AddVertex inserts v without edges.
func (eg *ExecutionGraph) AddVertex(v model.TaskVertex) error {
	if eg.HasVertex(v.TaskID) {
		return model.NewStructuralError("add vertex", "vertex %d already exists", v.TaskID)
	}
	eg.g.AddNode(vertex{v})
	return nil
}

// AddEdge inserts from -> to. Both vertices must exist and the edge must
// not close a cycle.
func (eg *ExecutionGraph) AddEdge(from, to int64) error {
	if from == to {
		return model.NewStructuralError("add edge", "self loop on vertex %d", from)
	}
	f, t := eg.g.Node(from), eg.g.Node(to)
	if f == nil || t == nil {
		return model.NewStructuralError("add edge", "edge %d -> %d references unknown vertex", from, to)
	}
	if eg.reaches(to, from) {
		return model.NewStructuralError("add edge", "edge %d -> %d closes a cycle", from, to)
	}
	eg.g.SetEdge(eg.g.NewEdge(f, t))
	return nil
}

// reaches reports whether dst is reachable from src along edges.
func (eg *ExecutionGraph) reaches(src, dst int64) bool {
	start := eg.g.Node(src)
	if start == nil {
		return false
	}
	var bf traverse.BreadthFirst
	found := bf.Walk(eg.g, start, func(n graph.Node, _ int) bool { return n.ID() == dst })
	return found != nil
}

// FindAllRootVertices returns the vertices with in-degree 0.
func (eg *ExecutionGraph) FindAllRootVertices() []model.TaskVertex {
	var roots []graph.Node
	nodes := eg.g.Nodes()
	for nodes.Next() {
		n := nodes.Node()
		if eg.g.To(n.ID()).Len() == 0 {
			roots = append(roots, n)
		}
	}
	return toVertices(roots)
}

// FindLeaves returns the vertices with out-degree 0.
func (eg *ExecutionGraph) FindLeaves() []model.TaskVertex {
	var leaves []graph.Node
	nodes := eg.g.Nodes()
	for nodes.Next() {
		n := nodes.Node()
		if eg.g.From(n.ID()).Len() == 0 {
			leaves = append(leaves, n)
		}
	}
	return toVertices(leaves)
}

// IsLeaf reports whether taskID has no successors.
func (eg *ExecutionGraph) IsLeaf(taskID int64) bool {
	return eg.HasVertex(taskID) && eg.g.From(taskID).Len() == 0
}

// FindDirectAncestors returns the direct predecessors of taskID.
func (eg *ExecutionGraph) FindDirectAncestors(taskID int64) []model.TaskVertex {
	return toVertices(graph.NodesOf(eg.g.To(taskID)))
}

// FindDirectDescendants returns the direct successors of taskID.
func (eg *ExecutionGraph) FindDirectDescendants(taskID int64) []model.TaskVertex {
	return toVertices(graph.NodesOf(eg.g.From(taskID)))
}

// FindDescendants returns every vertex reachable from taskID, excluding
// taskID itself.
func (eg *ExecutionGraph) FindDescendants(taskID int64) []model.TaskVertex {
	start := eg.g.Node(taskID)
	if start == nil {
		return nil
	}
	var found []graph.Node
	bf := traverse.BreadthFirst{
		Visit: func(n graph.Node) {
			if n.ID() != taskID {
				found = append(found, n)
			}
		},
	}
	bf.Walk(eg.g, start, nil)
	return toVertices(found)
}

// FindByContextIDs groups the vertices whose context id is one of ids.
func (eg *ExecutionGraph) FindByContextIDs(ids ...string) map[string][]model.TaskVertex {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[string][]model.TaskVertex)
	for _, v := range eg.Vertices() {
		if want[v.ContextID] {
			out[v.ContextID] = append(out[v.ContextID], v)
		}
	}
	return out
}

// TopologicalOrder returns the vertices in dependency order. Ties are broken
// by lowest task id. A cycle yields a StructuralError.
func (eg *ExecutionGraph) TopologicalOrder() ([]model.TaskVertex, error) {
	sorted, err := topo.SortStabilized(eg.g, sortNodes)
	if err != nil {
		return nil, cycleError("topological order", err)
	}
	out := make([]model.TaskVertex, 0, len(sorted))
	for _, n := range sorted {
		out = append(out, n.(vertex).TaskVertex)
	}
	return out, nil
}

func cycleError(op string, err error) error {
	var ids []int64
	if u, ok := err.(topo.Unorderable); ok {
		for _, component := range u {
			for _, n := range component {
				ids = append(ids, n.ID())
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return model.NewStructuralError(op, "graph contains a cycle involving vertices %v", ids)
}

// Verify checks that the graph is acyclic, that every vertex is reachable
// from a root and, unless the policy allows it, that no vertex is isolated.
func (eg *ExecutionGraph) Verify(policy VerifyPolicy) error {
	if _, err := topo.Sort(eg.g); err != nil {
		return cycleError("verify", err)
	}

	seen := make(map[int64]bool, eg.Len())
	var bf traverse.BreadthFirst
	for _, root := range eg.FindAllRootVertices() {
		bf.Walk(eg.g, eg.g.Node(root.TaskID), func(n graph.Node, _ int) bool {
			seen[n.ID()] = true
			return false
		})
		bf.Reset()
	}
	if len(seen) != eg.Len() {
		return model.NewStructuralError("verify", "%d of %d vertices unreachable from any root", eg.Len()-len(seen), eg.Len())
	}

	if !policy.AllowIsolated && eg.Len() > 1 {
		for _, v := range eg.Vertices() {
			if eg.g.To(v.TaskID).Len() == 0 && eg.g.From(v.TaskID).Len() == 0 {
				return model.NewStructuralError("verify", "vertex %d is isolated", v.TaskID)
			}
		}
	}
	return nil
}

// VerifyGraph reports whether g passes Verify with the default policy.
func VerifyGraph(g *ExecutionGraph) bool {
	return g.Verify(VerifyPolicy{}) == nil
}

// Clone returns a deep copy of the graph.
func (eg *ExecutionGraph) Clone() *ExecutionGraph {
	c := New()
	graph.Copy(c.g, eg.g)
	return c
}

// AddVertices attaches tasks below every vertex in parents. The operation
// is atomic: on error the graph is unchanged.
func (eg *ExecutionGraph) AddVertices(parents []int64, tasks []model.TaskVertex) error {
	for _, p := range parents {
		if !eg.HasVertex(p) {
			return model.NewStructuralError("add vertices", "parent vertex %d not found", p)
		}
	}
	seen := make(map[int64]bool, len(tasks))
	for _, t := range tasks {
		if eg.HasVertex(t.TaskID) || seen[t.TaskID] {
			return model.NewStructuralError("add vertices", "vertex %d already exists", t.TaskID)
		}
		seen[t.TaskID] = true
	}
	for _, t := range tasks {
		n := vertex{t}
		eg.g.AddNode(n)
		for _, p := range parents {
			eg.g.SetEdge(eg.g.NewEdge(eg.g.Node(p), n))
		}
	}
	return nil
}

// ExpandSubProcess inserts sub between anchor and anchor's current
// successors. Anchor gains an edge to every root of sub, every leaf of sub
// gains an edge to every former successor, and the direct edges from anchor
// to those successors are removed. On error the graph is unchanged.
func (eg *ExecutionGraph) ExpandSubProcess(anchor int64, sub *ExecutionGraph) error {
	const op = "expand sub-process"
	if !eg.HasVertex(anchor) {
		return model.NewStructuralError(op, "anchor vertex %d not found", anchor)
	}
	if sub == nil || sub.Len() == 0 {
		return model.NewStructuralError(op, "sub-process for vertex %d is empty", anchor)
	}
	if _, err := topo.Sort(sub.g); err != nil {
		return cycleError(op, err)
	}
	for _, v := range sub.Vertices() {
		if eg.HasVertex(v.TaskID) {
			return model.NewStructuralError(op, "vertex %d already exists", v.TaskID)
		}
	}

	next := eg.Clone()
	successors := graph.NodesOf(next.g.From(anchor))
	for _, s := range successors {
		next.g.RemoveEdge(anchor, s.ID())
	}
	graph.Copy(next.g, sub.g)

	a := next.g.Node(anchor)
	for _, r := range sub.FindAllRootVertices() {
		next.g.SetEdge(next.g.NewEdge(a, next.g.Node(r.TaskID)))
	}
	for _, l := range sub.FindLeaves() {
		from := next.g.Node(l.TaskID)
		for _, s := range successors {
			next.g.SetEdge(next.g.NewEdge(from, next.g.Node(s.ID())))
		}
	}

	if _, err := topo.Sort(next.g); err != nil {
		return cycleError(op, err)
	}
	eg.g = next.g
	return nil
}

// CollapseSubProcess undoes ExpandSubProcess: the vertices in ids are
// removed and anchor regains a direct edge to every vertex outside ids that
// one of them led to. On error the graph is unchanged.
func (eg *ExecutionGraph) CollapseSubProcess(anchor int64, ids []int64) error {
	const op = "collapse sub-process"
	if !eg.HasVertex(anchor) {
		return model.NewStructuralError(op, "anchor vertex %d not found", anchor)
	}
	inner := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if id == anchor || !eg.HasVertex(id) {
			return model.NewStructuralError(op, "vertex %d is not part of a sub-process of %d", id, anchor)
		}
		inner[id] = true
	}

	next := eg.Clone()
	var successors []int64
	for _, id := range ids {
		for _, n := range graph.NodesOf(next.g.From(id)) {
			if !inner[n.ID()] {
				successors = append(successors, n.ID())
			}
		}
	}
	for _, id := range ids {
		next.g.RemoveNode(id)
	}
	a := next.g.Node(anchor)
	for _, s := range successors {
		if s == anchor {
			return model.NewStructuralError(op, "sub-process of %d leads back to it", anchor)
		}
		next.g.SetEdge(next.g.NewEdge(a, next.g.Node(s)))
	}

	if _, err := topo.Sort(next.g); err != nil {
		return cycleError(op, err)
	}
	eg.g = next.g
	return nil
}

// String summarizes the graph for logs.
func (eg *ExecutionGraph) String() string {
	return fmt.Sprintf("graph(vertices=%d, edges=%d)", eg.Len(), eg.g.Edges().Len())
}
