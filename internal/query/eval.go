package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store"
)

// Evaluator compiles and runs a Query against a Store, decoding the
// traversal into a Result tree (spec.md §4.2). It holds no state across
// calls; one Evaluator can serve concurrent EvalQuery calls so long as
// the underlying Store does.
type Evaluator struct {
	Store store.Store
}

func NewEvaluator(s store.Store) *Evaluator {
	return &Evaluator{Store: s}
}

// EvalQuery resolves params against the chain's ChainRoot/CompareFilter
// values and walks it to produce one Record per surviving endpoint of
// the top-level chain.
func (e *Evaluator) EvalQuery(ctx context.Context, q *Query, params map[string]node.Node) (*Result, error) {
	ev := &evalCtx{store: e.Store, params: params}
	endpoints, err := ev.evalChainFromSeed(ctx, nil, &q.Chain)
	if err != nil {
		return nil, fmt.Errorf("evaluating query: %w", err)
	}
	records := make([]Record, 0, len(endpoints))
	for _, ep := range endpoints {
		fields, err := ev.buildFields(ctx, ep, &q.Chain)
		if err != nil {
			return nil, err
		}
		if q.Chain.Bind != nil {
			fields[*q.Chain.Bind] = ScalarOf(ep)
		}
		records = append(records, Record(fields))
	}
	return &Result{Records: records}, nil
}

// evalCtx threads the parameter map through one query evaluation.
type evalCtx struct {
	store  store.Store
	params map[string]node.Node
}

func canonKey(n node.Node) (string, error) {
	b, err := n.Canonical()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func toSet(nodes []node.Node) (map[string]node.Node, error) {
	out := make(map[string]node.Node, len(nodes))
	for _, n := range nodes {
		k, err := canonKey(n)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

// evalChainFromSeed evaluates c starting from seed, or from c.Root if
// c carries one (a Root always overrides the seed, per spec.md §4.2:
// only a rootless chain inherits its caller's current row set).
func (ev *evalCtx) evalChainFromSeed(ctx context.Context, seed []node.Node, c *Chain) ([]node.Node, error) {
	start := seed
	if c.Root != nil {
		v, err := c.Root.Value.Resolve(ev.params)
		if err != nil {
			return nil, err
		}
		start = []node.Node{v}
	}
	return ev.evalSteps(ctx, start, c.Steps)
}

func (ev *evalCtx) evalSteps(ctx context.Context, current []node.Node, steps []Step) ([]node.Node, error) {
	var err error
	for i, s := range steps {
		switch s.Kind {
		case StepMove:
			current, err = ev.evalMoveStep(ctx, current, s.Move)
		case StepRecurse:
			current, err = ev.evalRecurseStep(ctx, current, s.Recurse)
		case StepJunction:
			current, err = ev.evalJunctionStep(ctx, current, s.Junction)
		default:
			err = fmt.Errorf("step %d: unknown step type %q", i, s.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return current, nil
}

// evalMoveStep walks one predicate-labeled edge from each node in
// current, per-source applying Filter, Sort, and First before the
// results are unioned and deduplicated across all source nodes.
func (ev *evalCtx) evalMoveStep(ctx context.Context, current []node.Node, m *MoveStep) ([]node.Node, error) {
	var out []node.Node
	seen := map[string]bool{}
	for _, n := range current {
		var edges []store.Triple
		var err error
		if m.Dir == Backward {
			edges, err = ev.store.ListTo(ctx, n)
		} else {
			edges, err = ev.store.ListFrom(ctx, n)
		}
		if err != nil {
			return nil, fmt.Errorf("listing edges: %w", err)
		}
		var candidates []node.Node
		for _, tr := range edges {
			if tr.Predicate != m.Predicate {
				continue
			}
			cand := tr.Object
			if m.Dir == Backward {
				cand = tr.Subject
			}
			if m.Filter != nil {
				ok, err := ev.evalFilter(ctx, cand, m.Filter)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			candidates = append(candidates, cand)
		}
		if m.Sort != nil {
			if err := sortNodes(candidates, m.Sort.Order); err != nil {
				return nil, err
			}
		}
		if m.First && len(candidates) > 1 {
			candidates = candidates[:1]
		}
		for _, c := range candidates {
			k, err := canonKey(c)
			if err != nil {
				return nil, err
			}
			if !seen[k] {
				seen[k] = true
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func sortNodes(nodes []node.Node, order SortOrder) error {
	var sortErr error
	sort.SliceStable(nodes, func(i, j int) bool {
		bi, err := nodes[i].Canonical()
		if err != nil {
			sortErr = err
			return false
		}
		bj, err := nodes[j].Canonical()
		if err != nil {
			sortErr = err
			return false
		}
		cmp := bytes.Compare(bi, bj)
		if order == SortDesc {
			return cmp > 0
		}
		return cmp < 0
	})
	return sortErr
}

// evalRecurseStep computes the closure of r.Subchain over current,
// including current itself (zero applications), stopping at the first
// newly discovered node when First is set.
func (ev *evalCtx) evalRecurseStep(ctx context.Context, current []node.Node, r *RecurseStep) ([]node.Node, error) {
	visited, err := toSet(current)
	if err != nil {
		return nil, err
	}
	result := append([]node.Node{}, current...)
	frontier := current
	for len(frontier) > 0 {
		next, err := ev.evalChainFromSeed(ctx, frontier, r.Subchain)
		if err != nil {
			return nil, err
		}
		var newFrontier []node.Node
		for _, n := range next {
			k, err := canonKey(n)
			if err != nil {
				return nil, err
			}
			if _, ok := visited[k]; ok {
				continue
			}
			visited[k] = n
			newFrontier = append(newFrontier, n)
			result = append(result, n)
			if r.First {
				return result, nil
			}
		}
		frontier = newFrontier
	}
	return result, nil
}

// evalJunctionStep combines each subchain's evaluation (run from the
// current row set) by union (Or) or intersection (And).
func (ev *evalCtx) evalJunctionStep(ctx context.Context, current []node.Node, j *JunctionStep) ([]node.Node, error) {
	var acc map[string]node.Node
	for i, sc := range j.Subchains {
		sub, err := ev.evalChainFromSeed(ctx, current, sc)
		if err != nil {
			return nil, err
		}
		set, err := toSet(sub)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			acc = set
			continue
		}
		switch j.Type {
		case JunctionOr:
			for k, n := range set {
				acc[k] = n
			}
		default: // JunctionAnd
			for k := range acc {
				if _, ok := set[k]; !ok {
					delete(acc, k)
				}
			}
		}
	}
	out := make([]node.Node, 0, len(acc))
	for _, n := range acc {
		out = append(out, n)
	}
	return out, nil
}

// evalFilter tests candidate, a Move step's prospective endpoint,
// against f.
func (ev *evalCtx) evalFilter(ctx context.Context, candidate node.Node, f *Filter) (bool, error) {
	switch f.Kind {
	case FilterExists:
		endpoints, err := ev.evalChainFromSeed(ctx, []node.Node{candidate}, f.Exists.Subchain)
		if err != nil {
			return false, err
		}
		exists := len(endpoints) > 0
		if f.Exists.Kind == ExistsNotExists {
			return !exists, nil
		}
		return exists, nil

	case FilterCompare:
		endpoints, err := ev.evalChainFromSeed(ctx, []node.Node{candidate}, f.Compare.LHSSubchain)
		if err != nil {
			return false, err
		}
		rhs, err := f.Compare.RHSValue.Resolve(ev.params)
		if err != nil {
			return false, err
		}
		for _, lhs := range endpoints {
			ok, err := compareNodes(f.Compare.Op, lhs, rhs)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case FilterJunction:
		switch f.Junction.Type {
		case JunctionOr:
			for _, se := range f.Junction.Subexprs {
				ok, err := ev.evalFilter(ctx, candidate, se)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		default: // JunctionAnd
			for _, se := range f.Junction.Subexprs {
				ok, err := ev.evalFilter(ctx, candidate, se)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
			return true, nil
		}

	default:
		return false, fmt.Errorf("unknown filter type %q", f.Kind)
	}
}

// compareNodes compares two nodes numerically when both decode as JSON
// numbers, falling back to lexical comparison of their canonical byte
// encodings otherwise (spec.md §4.2's Compare filter makes no promise
// about comparing heterogeneous types, so this ordering is this
// implementation's own tie-break, not a protocol guarantee).
func compareNodes(op CompareOp, lhs, rhs node.Node) (bool, error) {
	var cmp int
	if lf, lok := asFloat(lhs); lok {
		if rf, rok := asFloat(rhs); rok {
			switch {
			case lf < rf:
				cmp = -1
			case lf > rf:
				cmp = 1
			default:
				cmp = 0
			}
			return applyCompareOp(op, cmp), nil
		}
	}
	lb, err := lhs.Canonical()
	if err != nil {
		return false, err
	}
	rb, err := rhs.Canonical()
	if err != nil {
		return false, err
	}
	cmp = bytes.Compare(lb, rb)
	return applyCompareOp(op, cmp), nil
}

func asFloat(n node.Node) (float64, bool) {
	raw, ok := n.Value()
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

func applyCompareOp(op CompareOp, cmp int) bool {
	switch op {
	case CompareEq:
		return cmp == 0
	case CompareNeq:
		return cmp != 0
	case CompareLt:
		return cmp < 0
	case CompareLte:
		return cmp <= 0
	case CompareGt:
		return cmp > 0
	case CompareGte:
		return cmp >= 0
	default:
		return false
	}
}

// buildFields evaluates each of c's subchains from endpoint and
// assembles them into the field map that, merged with c's own Bind,
// forms one Record (spec.md §4.2 "Result shape"). A subchain with
// further Subchains of its own contributes a Record (or array of
// Records) of its deeper fields plus its own Bind when set; a leaf
// subchain contributes its raw endpoint node(s).
func (ev *evalCtx) buildFields(ctx context.Context, endpoint node.Node, c *Chain) (map[string]TreeNode, error) {
	fields := map[string]TreeNode{}
	for i, sc := range c.Subchains {
		endpoints, err := ev.evalChainFromSeed(ctx, []node.Node{endpoint}, sc)
		if err != nil {
			return nil, err
		}
		tree, err := ev.buildNodeTree(ctx, endpoints, sc)
		if err != nil {
			return nil, err
		}
		fields[fieldKey(sc, i)] = tree
	}
	return fields, nil
}

func fieldKey(c *Chain, index int) string {
	if c.Bind != nil {
		return *c.Bind
	}
	return fmt.Sprintf("_%d", index)
}

func (ev *evalCtx) buildNodeTree(ctx context.Context, endpoints []node.Node, c *Chain) (TreeNode, error) {
	if len(c.Subchains) == 0 {
		switch len(endpoints) {
		case 0:
			return TreeNode{}, nil
		case 1:
			return ScalarOf(endpoints[0]), nil
		default:
			items := make([]TreeNode, len(endpoints))
			for i, ep := range endpoints {
				items[i] = ScalarOf(ep)
			}
			return ArrayOf(items), nil
		}
	}

	records := make([]TreeNode, 0, len(endpoints))
	for _, ep := range endpoints {
		fields, err := ev.buildFields(ctx, ep, c)
		if err != nil {
			return TreeNode{}, err
		}
		if c.Bind != nil {
			fields[*c.Bind] = ScalarOf(ep)
		}
		records = append(records, RecordOf(fields))
	}
	if len(records) == 1 {
		return records[0], nil
	}
	return ArrayOf(records), nil
}
