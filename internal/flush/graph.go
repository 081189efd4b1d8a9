package flush

import (
	"sort"

	"ormcore/internal/state"
	"ormcore/pkg/ormerr"
)

// depEdge orders from before to. For inserts the edge runs parent -> child;
// for deletes child -> parent. The foreign key columns live on fkNode's table
// and are the columns a break would defer.
type depEdge struct {
	from   *opNode
	to     *opNode
	fkNode *opNode
	// assigns rebuilds the deferred foreign key write if this edge is
	// chosen to break a cycle.
	assigns []fkAssign
}

// orderInserts returns insert nodes in dependency order. Cycles break on an
// edge whose foreign key columns are all nullable: the dependent row inserts
// with NULL keys and a fixup UPDATE assigns them afterwards.
func (e *Engine) orderInserts(p *flushPlan) ([]*opNode, []*fkFixup, error) {
	edges, err := e.insertEdges(p)
	if err != nil {
		return nil, nil, err
	}
	return e.topoSort(p.inserts, edges, true)
}

// orderDeletes returns delete nodes in child-before-parent order. Cycles
// break by nulling a nullable foreign key ahead of the deletes.
func (e *Engine) orderDeletes(p *flushPlan) ([]*opNode, []*fkFixup, error) {
	edges, err := e.deleteEdges(p)
	if err != nil {
		return nil, nil, err
	}
	return e.topoSort(p.deletes, edges, false)
}

// insertEdges derives parent-before-child edges from loaded relationship
// state among the pending instances.
func (e *Engine) insertEdges(p *flushPlan) ([]*depEdge, error) {
	var edges []*depEdge
	for _, child := range p.inserts {
		for _, b := range child.inst.Descriptor().Relationships() {
			if !b.FKOnOwner || b.Secondary != "" || !b.Writable() {
				continue
			}
			target, st := child.inst.Scalar(b.Name)
			if st != state.Loaded || target == nil {
				continue
			}
			parent, pending := p.insertByInst[target]
			if !pending {
				continue
			}
			assigns := make([]fkAssign, 0, len(b.Join))
			for _, term := range b.Join {
				attr, ok := attrForColumn(child.inst.Descriptor(), term.Local)
				if !ok {
					return nil, ormerr.ConfigError{Entity: child.inst.Descriptor().Name, Detail: "join column " + term.Local + " has no mapped attribute"}
				}
				assigns = append(assigns, fkAssign{attr: attr, col: term.Local, parent: target, parentCol: term.Remote})
			}
			edges = append(edges, &depEdge{from: parent, to: child, fkNode: child, assigns: assigns})
		}
		// Deferred assignments from unidirectional one-to-many owners.
		for _, a := range child.assigns {
			if parent, pending := p.insertByInst[a.parent]; pending && !a.null {
				edges = append(edges, &depEdge{
					from: parent, to: child, fkNode: child,
					assigns: []fkAssign{a},
				})
			}
		}
	}
	return edges, nil
}

// deleteEdges derives child-before-parent edges among the scheduled deletes.
func (e *Engine) deleteEdges(p *flushPlan) ([]*depEdge, error) {
	var edges []*depEdge
	for _, n := range p.deletes {
		for _, b := range n.inst.Descriptor().Relationships() {
			if b.Secondary != "" {
				continue
			}
			if b.FKOnOwner {
				// n references target; n's row must go first.
				target, st := n.inst.Scalar(b.Name)
				if st != state.Loaded || target == nil {
					continue
				}
				parent, scheduled := p.deleteByInst[target]
				if !scheduled {
					continue
				}
				assigns := make([]fkAssign, 0, len(b.Join))
				for _, term := range b.Join {
					attr, ok := attrForColumn(n.inst.Descriptor(), term.Local)
					if !ok {
						return nil, ormerr.ConfigError{Entity: n.inst.Descriptor().Name, Detail: "join column " + term.Local + " has no mapped attribute"}
					}
					assigns = append(assigns, fkAssign{attr: attr, col: term.Local, null: true})
				}
				edges = append(edges, &depEdge{from: n, to: parent, fkNode: n, assigns: assigns})
			}
		}
	}
	return edges, nil
}

// topoSort runs Kahn's algorithm with a deterministic ready order. When no
// node is ready and edges remain, one breakable edge (all foreign key columns
// nullable) is removed and recorded as a fixup; with none available the cycle
// is unresolvable.
func (e *Engine) topoSort(nodes []*opNode, edges []*depEdge, forInserts bool) ([]*opNode, []*fkFixup, error) {
	indegree := make(map[*opNode]int, len(nodes))
	for _, n := range nodes {
		indegree[n] = 0
	}
	active := make(map[*depEdge]bool, len(edges))
	for _, edge := range edges {
		if edge.from == edge.to {
			// A row referencing itself always defers the assignment.
			continue
		}
		active[edge] = true
		indegree[edge.to]++
	}
	var fixups []*fkFixup
	// Self-references are immediately deferred.
	for _, edge := range edges {
		if edge.from == edge.to {
			fx := e.breakEdge(edge, forInserts)
			if fx == nil {
				return nil, nil, ormerr.UnresolvableCycleError{Entities: []string{edge.from.inst.Descriptor().Name}}
			}
			fixups = append(fixups, fx)
		}
	}

	remaining := append([]*opNode(nil), nodes...)
	var ordered []*opNode
	for len(remaining) > 0 {
		var ready []*opNode
		var blocked []*opNode
		for _, n := range remaining {
			if indegree[n] == 0 {
				ready = append(ready, n)
			} else {
				blocked = append(blocked, n)
			}
		}
		if len(ready) == 0 {
			edge := e.pickBreakableEdge(active, forInserts)
			if edge == nil {
				names := entityNames(blocked)
				return nil, nil, ormerr.UnresolvableCycleError{Entities: names}
			}
			fixups = append(fixups, e.breakEdge(edge, forInserts))
			delete(active, edge)
			indegree[edge.to]--
			continue
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
		n := ready[0]
		ordered = append(ordered, n)
		for edge := range active {
			if edge.from == n {
				delete(active, edge)
				indegree[edge.to]--
			}
		}
		remaining = remaining[:0]
		for _, m := range append(ready[1:], blocked...) {
			remaining = append(remaining, m)
		}
	}
	return ordered, fixups, nil
}

// pickBreakableEdge chooses the breakable active edge with the smallest
// dependent sequence, for stable plans.
func (e *Engine) pickBreakableEdge(active map[*depEdge]bool, forInserts bool) *depEdge {
	var best *depEdge
	for edge := range active {
		if !e.edgeNullable(edge) {
			continue
		}
		if best == nil || edge.to.seq < best.to.seq || (edge.to.seq == best.to.seq && edge.fkNode.seq < best.fkNode.seq) {
			best = edge
		}
	}
	return best
}

// edgeNullable reports whether every foreign key column of the edge is
// nullable in the catalog.
func (e *Engine) edgeNullable(edge *depEdge) bool {
	table, ok := e.reg.Catalog().Table(edge.fkNode.table())
	if !ok {
		return false
	}
	for _, a := range edge.assigns {
		col, ok := table.Column(a.col)
		if !ok || !col.Nullable {
			return false
		}
	}
	return true
}

// breakEdge converts an edge into its deferred write. For inserts the
// dependent row takes NULL keys now and the real values in a fixup UPDATE;
// for deletes the referencing row nulls its keys ahead of the deletes.
// Returns nil when the edge is not breakable.
func (e *Engine) breakEdge(edge *depEdge, forInserts bool) *fkFixup {
	if !e.edgeNullable(edge) {
		return nil
	}
	if forInserts {
		for _, a := range edge.assigns {
			edge.fkNode.forceNull(a.col)
		}
		return &fkFixup{child: edge.fkNode.inst, assigns: edge.assigns}
	}
	return &fkFixup{child: edge.fkNode.inst, assigns: edge.assigns}
}

func entityNames(nodes []*opNode) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, n := range nodes {
		name := n.inst.Descriptor().Name
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
