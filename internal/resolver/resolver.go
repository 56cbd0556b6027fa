// Package resolver turns a pipeline definition into a provider-bound,
// topologically ordered execution graph. Resolution never opens a connector.
package resolver

import (
	"sort"
	"strings"

	"github.com/animus-labs/cloudpipe/internal/connector"
	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
	"github.com/animus-labs/cloudpipe/internal/quality"
	"github.com/animus-labs/cloudpipe/internal/transform"
)

type Resolver struct {
	registry *connector.Registry
}

func New(registry *connector.Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve validates def and builds its graph. Every problem found is reported
// in one *pipelineerr.DefinitionError. A cyclic definition yields no graph.
func (r *Resolver) Resolve(def domain.PipelineDefinition) (*Graph, error) {
	issues := &pipelineerr.DefinitionError{}
	g := &Graph{
		Pipeline: strings.TrimSpace(def.Name),
		Provider: def.Provider,
		Sink:     strings.TrimSpace(def.Sink.Name),
		Nodes:    map[string]*StageNode{},
	}

	r.buildNodes(def, g, issues)
	if err := issues.OrNil(); err != nil {
		return nil, err
	}
	wireInputs(def, g, issues)
	if err := issues.OrNil(); err != nil {
		return nil, err
	}

	order, cyclic := topoSort(g)
	if len(cyclic) > 0 {
		issues.Add(pipelineerr.CyclicPipeline, "", "stages %s are on or behind a dependency cycle", strings.Join(cyclic, ", "))
		return nil, issues
	}
	g.Order = order
	for _, id := range order {
		for _, in := range g.Nodes[id].Inputs {
			g.Edges = append(g.Edges, Edge{From: in, To: id})
		}
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From != g.Edges[j].From {
			return g.Edges[i].From < g.Edges[j].From
		}
		return g.Edges[i].To < g.Edges[j].To
	})
	g.computeAncestors()
	g.computeLevels()

	checkReachability(g, issues)
	r.bind(g, issues)
	propagateSchemas(g, issues)
	if err := issues.OrNil(); err != nil {
		return nil, err
	}
	return g, nil
}

func (r *Resolver) buildNodes(def domain.PipelineDefinition, g *Graph, issues *pipelineerr.DefinitionError) {
	if g.Pipeline == "" {
		issues.Add(pipelineerr.InvalidDefinition, "", "pipeline name is required")
	}
	if !def.Provider.Valid() {
		issues.Add(pipelineerr.InvalidDefinition, "", "provider %q must be azure or gcp", def.Provider)
	}
	if len(def.Sources) == 0 {
		issues.Add(pipelineerr.InvalidDefinition, "", "at least one source is required")
	}

	add := func(id string, kind domain.StageKind) *StageNode {
		id = strings.TrimSpace(id)
		switch {
		case id == "":
			issues.Add(pipelineerr.InvalidDefinition, "", "%s name is required", kind)
			return nil
		case strings.HasSuffix(id, QuarantineSuffix):
			issues.Add(pipelineerr.InvalidDefinition, id, "stage names must not end in %q", QuarantineSuffix)
			return nil
		}
		if _, dup := g.Nodes[id]; dup {
			issues.Add(pipelineerr.InvalidDefinition, id, "stage name declared twice")
			return nil
		}
		n := &StageNode{ID: id, Kind: kind}
		g.Nodes[id] = n
		return n
	}

	for i := range def.Sources {
		src := def.Sources[i]
		n := add(src.Name, domain.StageKindSource)
		if n == nil {
			continue
		}
		schema, err := frame.SchemaFromColumns(src.Schema)
		if err != nil {
			issues.Add(pipelineerr.InvalidDefinition, n.ID, "%v", err)
		}
		n.Source = &src
		n.Schema = schema
		n.Timeout = src.Timeout.Std()
		checkConnector(n.ID, src.ConnectorDescriptor, issues)
	}
	for _, td := range def.Transforms {
		n := add(td.Name, domain.StageKindTransform)
		if n == nil {
			continue
		}
		n.SideOutput = td.SideOutput
		n.Timeout = td.Timeout.Std()
		st, err := transform.New(td)
		if err != nil {
			issues.Add(pipelineerr.InvalidDefinition, n.ID, "%v", err)
			continue
		}
		n.Transform = st
	}
	for _, gd := range def.Gates {
		n := add(gd.Name, domain.StageKindGate)
		if n == nil {
			continue
		}
		n.SideOutput = gd.SideOutput
		n.Timeout = gd.Timeout.Std()
		gate, err := quality.New(gd)
		if err != nil {
			issues.Add(pipelineerr.InvalidDefinition, n.ID, "%v", err)
			continue
		}
		if gate.Quarantine != nil {
			checkSink(n.ID+QuarantineSuffix, *gate.Quarantine, issues)
		}
		n.Gate = gate
	}
	if n := add(def.Sink.Name, domain.StageKindSink); n != nil {
		sink := def.Sink
		n.Sink = &sink
		n.Timeout = sink.Timeout.Std()
		checkSink(n.ID, sink, issues)
		if len(sink.Inputs) > 1 {
			issues.Add(pipelineerr.InvalidDefinition, n.ID, "sink takes a single input, got %d", len(sink.Inputs))
		}
	}
}

func checkConnector(stage string, d domain.ConnectorDescriptor, issues *pipelineerr.DefinitionError) {
	if strings.TrimSpace(d.ConnectorType) == "" {
		issues.Add(pipelineerr.InvalidDefinition, stage, "connector_type is required")
	}
	if strings.TrimSpace(d.Location) == "" {
		issues.Add(pipelineerr.InvalidDefinition, stage, "location is required")
	}
}

func checkSink(stage string, s domain.SinkDescriptor, issues *pipelineerr.DefinitionError) {
	checkConnector(stage, s.ConnectorDescriptor, issues)
	mode := s.EffectiveMode()
	if !mode.Valid() {
		issues.Add(pipelineerr.InvalidDefinition, stage, "unsupported write mode %q", s.Mode)
	}
	if mode == domain.WriteModeMerge && len(s.Keys) == 0 {
		issues.Add(pipelineerr.InvalidDefinition, stage, "merge mode requires keys")
	}
}

// declaredInputs returns a node's inputs in declaration order.
func declaredInputs(def domain.PipelineDefinition, n *StageNode) []string {
	switch n.Kind {
	case domain.StageKindTransform:
		if n.Transform != nil {
			return n.Transform.Inputs
		}
	case domain.StageKindGate:
		if n.Gate != nil {
			return n.Gate.Inputs
		}
	case domain.StageKindSink:
		return def.Sink.Inputs
	}
	return nil
}

func wireInputs(def domain.PipelineDefinition, g *Graph, issues *pipelineerr.DefinitionError) {
	consumed := map[string]bool{}
	for _, id := range sortedIDs(g) {
		n := g.Nodes[id]
		set := map[string]struct{}{}
		for _, in := range declaredInputs(def, n) {
			in = strings.TrimSpace(in)
			target, ok := g.Nodes[in]
			switch {
			case !ok:
				issues.Add(pipelineerr.UnresolvedInput, id, "input %q does not name a stage", in)
				continue
			case target.Kind == domain.StageKindSink:
				issues.Add(pipelineerr.InvalidDefinition, id, "sink %q cannot feed other stages", in)
				continue
			}
			set[in] = struct{}{}
			consumed[in] = true
		}
		n.Inputs = setToSorted(set)
	}

	sink := g.Nodes[g.Sink]
	if sink == nil || len(sink.Inputs) > 0 {
		return
	}
	var terminal []string
	for _, id := range sortedIDs(g) {
		n := g.Nodes[id]
		if n.Kind != domain.StageKindSink && !n.SideOutput && !consumed[id] {
			terminal = append(terminal, id)
		}
	}
	if len(terminal) != 1 {
		issues.Add(pipelineerr.UnresolvedInput, g.Sink, "sink declares no inputs and %d terminal stages exist (%s)", len(terminal), strings.Join(terminal, ", "))
		return
	}
	sink.Inputs = terminal
}

// topoSort is Kahn's algorithm with a lexical tie-break. On a cycle it returns
// the nodes that could not be ordered.
func topoSort(g *Graph) ([]string, []string) {
	inDegree := make(map[string]int, len(g.Nodes))
	adj := make(map[string][]string, len(g.Nodes))
	for id, n := range g.Nodes {
		inDegree[id] += 0
		for _, in := range n.Inputs {
			adj[in] = append(adj[in], id)
			inDegree[id]++
		}
	}

	ready := make([]string, 0, len(g.Nodes))
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	ordered := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, id)
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				sort.Strings(ready)
			}
		}
	}
	if len(ordered) == len(g.Nodes) {
		return ordered, nil
	}
	var remaining []string
	for id, degree := range inDegree {
		if degree > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return nil, remaining
}

func checkReachability(g *Graph, issues *pipelineerr.DefinitionError) {
	reaches := map[string]struct{}{g.Sink: {}}
	for a := range g.ancestors[g.Sink] {
		reaches[a] = struct{}{}
	}
	for _, id := range g.Order {
		if _, ok := reaches[id]; ok {
			continue
		}
		if g.Nodes[id].SideOutput || feedsSideOutput(g, id) {
			continue
		}
		issues.Add(pipelineerr.OrphanStage, id, "stage does not reach sink %q", g.Sink)
	}
}

// feedsSideOutput reports whether id is upstream of a side output.
func feedsSideOutput(g *Graph, id string) bool {
	for _, d := range g.Downstream(id) {
		if g.Nodes[d].SideOutput {
			return true
		}
	}
	return false
}

func (r *Resolver) bind(g *Graph, issues *pipelineerr.DefinitionError) {
	for _, id := range g.Order {
		n := g.Nodes[id]
		switch n.Kind {
		case domain.StageKindSource:
			n.Binding = r.lookup(g.Provider, id, n.Source.ConnectorDescriptor, connector.Readable, issues)
		case domain.StageKindSink:
			n.Binding = r.lookupSink(g.Provider, id, *n.Sink, issues)
		case domain.StageKindGate:
			if n.Gate != nil && n.Gate.Quarantine != nil {
				n.QuarantineBinding = r.lookupSink(g.Provider, id+QuarantineSuffix, *n.Gate.Quarantine, issues)
			}
		}
	}
}

func (r *Resolver) lookupSink(provider domain.Provider, stage string, s domain.SinkDescriptor, issues *pipelineerr.DefinitionError) *connector.Binding {
	b := r.lookup(provider, stage, s.ConnectorDescriptor, connector.Writable, issues)
	if b == nil {
		return nil
	}
	if !b.Capabilities.Has(connector.BatchWrite) && s.EffectiveMode() != domain.WriteModeAppend {
		issues.Add(pipelineerr.UnsupportedOnProvider, stage, "%s/%s is stream-only and accepts only append, got %s", provider, b.Type, s.EffectiveMode())
	}
	return b
}

func (r *Resolver) lookup(provider domain.Provider, stage string, d domain.ConnectorDescriptor, need connector.Capability, issues *pipelineerr.DefinitionError) *connector.Binding {
	b, ok := r.registry.Lookup(provider, d.ConnectorType)
	if !ok {
		issues.Add(pipelineerr.UnsupportedOnProvider, stage, "connector type %q is not available on %s (available: %s)",
			d.ConnectorType, provider, strings.Join(r.registry.Types(provider), ", "))
		return nil
	}
	if !b.Capabilities.Any(need) {
		issues.Add(pipelineerr.UnsupportedOnProvider, stage, "%s/%s supports %s, stage needs %s", provider, b.Type, b.Capabilities, need)
		return nil
	}
	if !b.AcceptsFormat(d.Format) {
		issues.Add(pipelineerr.UnsupportedOnProvider, stage, "%s/%s does not accept format %q (accepted: %s)",
			provider, b.Type, d.Format, strings.Join(b.Formats, ", "))
		return nil
	}
	return &b
}

// propagateSchemas assigns output schemas in topological order and rejects
// evolutions that remove or narrow a column a descendant still reads.
func propagateSchemas(g *Graph, issues *pipelineerr.DefinitionError) {
	for _, id := range g.Order {
		n := g.Nodes[id]
		switch n.Kind {
		case domain.StageKindTransform:
			if n.Transform == nil {
				continue
			}
			in := make([]frame.Schema, len(n.Transform.Inputs))
			for i, input := range n.Transform.Inputs {
				in[i] = schemaOf(g, input)
			}
			n.Schema = n.Transform.OutputSchema(in)
			if ev, ok := n.Transform.Evolution(); ok {
				checkEvolution(g, n, ev, in[0], issues)
			}
		case domain.StageKindGate:
			if n.Gate != nil {
				n.Schema = schemaOf(g, n.Gate.Inputs[0])
			}
		case domain.StageKindSink:
			if len(n.Inputs) == 1 {
				n.Schema = schemaOf(g, n.Inputs[0])
			}
		}
	}
}

func schemaOf(g *Graph, id string) frame.Schema {
	if n := g.Nodes[strings.TrimSpace(id)]; n != nil {
		return n.Schema
	}
	return nil
}

func checkEvolution(g *Graph, n *StageNode, ev transform.Evolution, upstream frame.Schema, issues *pipelineerr.DefinitionError) {
	affected := map[string]string{}
	for _, col := range ev.Removed() {
		affected[col] = "removes"
	}
	for _, col := range ev.Narrowed(upstream) {
		affected[col] = "narrows"
	}
	if len(affected) == 0 {
		return
	}
	for _, d := range g.Downstream(n.ID) {
		for _, col := range readColumns(g.Nodes[d]) {
			if verb, ok := affected[col]; ok {
				issues.Add(pipelineerr.IncompatibleSchemaEvolution, n.ID, "%s column %q read by downstream stage %q", verb, col, d)
			}
		}
	}
}

// readColumns lists the columns a node depends on by name.
func readColumns(n *StageNode) []string {
	switch {
	case n.Transform != nil:
		return n.Transform.Columns()
	case n.Gate != nil:
		return n.Gate.Columns()
	case n.Sink != nil:
		return n.Sink.Keys
	default:
		return nil
	}
}

func sortedIDs(g *Graph) []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
