package resolver

import (
	"sort"
	"time"

	"github.com/animus-labs/cloudpipe/internal/connector"
	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/quality"
	"github.com/animus-labs/cloudpipe/internal/transform"
)

// QuarantineSuffix names the stage that writes a gate's quarantined rows.
const QuarantineSuffix = ".quarantine"

// StageNode is one resolved node. Inputs is a sorted set; transforms and gates
// keep their declared input order on Transform.Inputs and Gate.Inputs.
type StageNode struct {
	ID         string
	Kind       domain.StageKind
	Inputs     []string
	Schema     frame.Schema
	SideOutput bool
	Timeout    time.Duration

	Source    *domain.SourceDescriptor
	Sink      *domain.SinkDescriptor
	Binding   *connector.Binding
	Transform *transform.Stage
	Gate      *quality.Gate
	// QuarantineBinding is set for gates with the quarantine policy.
	QuarantineBinding *connector.Binding
}

type Edge struct {
	From string
	To   string
}

// Graph is a resolved, acyclic pipeline. It is read-only after Resolve.
type Graph struct {
	Pipeline string
	Provider domain.Provider
	Sink     string
	Nodes    map[string]*StageNode
	// Order is a topological order with lexical tie-break.
	Order []string
	Edges []Edge
	// Levels groups nodes whose inputs all sit in earlier levels.
	Levels [][]string

	ancestors map[string]map[string]struct{}
}

// Node returns the node called id or nil.
func (g *Graph) Node(id string) *StageNode { return g.Nodes[id] }

// Independent reports whether neither node is reachable from the other.
func (g *Graph) Independent(a, b string) bool {
	if a == b {
		return false
	}
	if _, ok := g.ancestors[a][b]; ok {
		return false
	}
	_, ok := g.ancestors[b][a]
	return !ok
}

// Downstream returns every node reachable from id, sorted.
func (g *Graph) Downstream(id string) []string {
	var out []string
	for _, n := range g.Order {
		if _, ok := g.ancestors[n][id]; ok {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Lineage returns the edges as lineage records.
func (g *Graph) Lineage() []domain.LineageEdge {
	out := make([]domain.LineageEdge, len(g.Edges))
	for i, e := range g.Edges {
		out[i] = domain.LineageEdge{From: e.From, To: e.To}
	}
	return out
}

func (g *Graph) computeAncestors() {
	g.ancestors = make(map[string]map[string]struct{}, len(g.Nodes))
	for _, id := range g.Order {
		set := map[string]struct{}{}
		for _, in := range g.Nodes[id].Inputs {
			set[in] = struct{}{}
			for a := range g.ancestors[in] {
				set[a] = struct{}{}
			}
		}
		g.ancestors[id] = set
	}
}

func (g *Graph) computeLevels() {
	level := make(map[string]int, len(g.Nodes))
	g.Levels = nil
	for _, id := range g.Order {
		l := 0
		for _, in := range g.Nodes[id].Inputs {
			if level[in]+1 > l {
				l = level[in] + 1
			}
		}
		level[id] = l
		for len(g.Levels) <= l {
			g.Levels = append(g.Levels, nil)
		}
		g.Levels[l] = append(g.Levels[l], id)
	}
	for _, ids := range g.Levels {
		sort.Strings(ids)
	}
}
