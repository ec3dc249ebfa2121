// Package query implements sunwet's chain/step/filter query language
// (spec.md §4.2): a declarative AST compiled into a recursive traversal
// over the triple store and decoded into nested TreeNode results.
//
// The AST shapes mirror the grammar of spec.md §4.2 directly rather than
// perkeep's describe.go/query.go object model, since sunwet's query
// language is a graph chain language (closer to a path/CTE compiler)
// while perkeep's is a flat predicate-match query; the compile/execute
// split is nonetheless grounded on pkg/search/query.go's Query.Run
// structure. Evaluation walks each step in Go over the store's
// ListFrom/ListTo edges; no SQL is generated from the AST.
package query

import (
	"encoding/json"
	"fmt"

	"sunwet.dev/sunwet/internal/node"
)

// Direction is Step::Move's edge direction: Forward walks subject→object,
// Backward walks object→subject.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// SortOrder orders a Move step's candidate endpoints before a possible
// "first" truncation.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

type Sort struct {
	Order SortOrder `json:"order"`
}

// Value is either an embedded literal node or a named parameter resolved
// at evaluation time from the caller-supplied parameter map.
type Value struct {
	Literal   *node.Node `json:"literal,omitempty"`
	Parameter *string    `json:"parameter,omitempty"`
}

func (v Value) Resolve(params map[string]node.Node) (node.Node, error) {
	if v.Literal != nil {
		return *v.Literal, nil
	}
	if v.Parameter != nil {
		n, ok := params[*v.Parameter]
		if !ok {
			return node.Node{}, fmt.Errorf("missing parameter %q", *v.Parameter)
		}
		return n, nil
	}
	return node.Node{}, fmt.Errorf("value has neither literal nor parameter set")
}

// ChainRoot seeds a top-level chain at a literal or parameter value.
type ChainRoot struct {
	Value Value `json:"value"`
}

// JunctionType combines subchains/subexprs as a union (Or) or
// intersection (And).
type JunctionType string

const (
	JunctionAnd JunctionType = "and"
	JunctionOr  JunctionType = "or"
)

// StepKind discriminates the Step union.
type StepKind string

const (
	StepMove     StepKind = "move"
	StepRecurse  StepKind = "recurse"
	StepJunction StepKind = "junction"
)

type Step struct {
	Kind     StepKind      `json:"type"`
	Move     *MoveStep     `json:"move,omitempty"`
	Recurse  *RecurseStep  `json:"recurse,omitempty"`
	Junction *JunctionStep `json:"junction,omitempty"`
}

type MoveStep struct {
	Dir       Direction `json:"dir"`
	Predicate string    `json:"predicate"`
	First     bool      `json:"first,omitempty"`
	Filter    *Filter   `json:"filter,omitempty"`
	Sort      *Sort     `json:"sort,omitempty"`
}

type RecurseStep struct {
	Subchain *Chain `json:"subchain"`
	First    bool   `json:"first,omitempty"`
}

type JunctionStep struct {
	Type      JunctionType `json:"junction_type"`
	Subchains []*Chain     `json:"subchains"`
}

// FilterKind discriminates the Filter union.
type FilterKind string

const (
	FilterJunction FilterKind = "junction"
	FilterExists   FilterKind = "exists"
	FilterCompare  FilterKind = "compare"
)

type ExistsKind string

const (
	ExistsExists    ExistsKind = "exists"
	ExistsNotExists ExistsKind = "not_exists"
)

type CompareOp string

const (
	CompareEq  CompareOp = "eq"
	CompareNeq CompareOp = "neq"
	CompareLt  CompareOp = "lt"
	CompareLte CompareOp = "lte"
	CompareGt  CompareOp = "gt"
	CompareGte CompareOp = "gte"
)

type Filter struct {
	Kind     FilterKind      `json:"type"`
	Junction *FilterJunction `json:"junction,omitempty"`
	Exists   *ExistsFilter   `json:"exists,omitempty"`
	Compare  *CompareFilter  `json:"compare,omitempty"`
}

type FilterJunction struct {
	Type      JunctionType `json:"junction_type"`
	Subexprs  []*Filter    `json:"subexprs"`
}

// ExistsFilter checks whether subchain, evaluated from the candidate
// endpoint, yields at least one row (Exists) or none (NotExists).
// Suffix is decoded from the wire form but is neither validated nor
// evaluated; only Subchain decides the filter's result.
type ExistsFilter struct {
	Kind     ExistsKind `json:"kind"`
	Subchain *Chain     `json:"subchain"`
	Suffix   *Chain     `json:"suffix,omitempty"`
}

type CompareFilter struct {
	Op         CompareOp `json:"op"`
	LHSSubchain *Chain   `json:"lhs_subchain"`
	RHSValue   Value     `json:"rhs_value"`
}

// Chain is the query language's unit of composition: an optional seed,
// a list of steps (which may be empty only when the chain has a root),
// an optional bind name for its own endpoint,
// and child chains branching off that endpoint for further record
// fields (spec.md §4.2).
type Chain struct {
	Root      *ChainRoot `json:"root,omitempty"`
	Steps     []Step     `json:"steps"`
	Bind      *string    `json:"bind,omitempty"`
	Subchains []*Chain   `json:"subchains,omitempty"`
}

// Query is the top-level request body: a single Chain plus the
// parameter map is supplied separately by the caller at Evaluate time.
type Query struct {
	Chain Chain `json:"chain"`
}

func ParseQuery(b []byte) (*Query, error) {
	var q Query
	if err := json.Unmarshal(b, &q); err != nil {
		return nil, fmt.Errorf("parsing query: %w", err)
	}
	if err := validateChain(&q.Chain, true); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	return &q, nil
}

// validateChain enforces spec.md §4.2's compile-time error rules: a
// Junction with zero subchains, or a Recurse without a preceding
// row-set, is a compile error. isTop indicates whether this chain may
// carry its own Root (only the outermost chain, or a subchain that
// explicitly re-seeds, may be rootless-and-fine; non-top chains with no
// root rely on their parent's endpoint as the incoming row-set, which is
// always present by construction, so the "preceding row-set" rule is
// enforced per-Recurse-step instead).
func validateChain(c *Chain, isTop bool) error {
	if len(c.Steps) == 0 && c.Root == nil {
		return fmt.Errorf("chain has neither root nor steps")
	}
	for i, s := range c.Steps {
		switch s.Kind {
		case StepMove:
			if s.Move == nil {
				return fmt.Errorf("step %d: move step missing body", i)
			}
			if s.Move.Predicate == "" {
				return fmt.Errorf("step %d: move step missing predicate", i)
			}
			if s.Move.Filter != nil {
				if err := validateFilter(s.Move.Filter); err != nil {
					return fmt.Errorf("step %d: %w", i, err)
				}
			}
		case StepRecurse:
			if s.Recurse == nil || s.Recurse.Subchain == nil {
				return fmt.Errorf("step %d: recurse step missing subchain", i)
			}
			if i == 0 && c.Root == nil && isTop {
				return fmt.Errorf("step %d: recurse step has no preceding row-set", i)
			}
			if err := validateChain(s.Recurse.Subchain, false); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		case StepJunction:
			if s.Junction == nil || len(s.Junction.Subchains) == 0 {
				return fmt.Errorf("step %d: junction step has zero subchains", i)
			}
			for _, sc := range s.Junction.Subchains {
				if err := validateChain(sc, false); err != nil {
					return fmt.Errorf("step %d: %w", i, err)
				}
			}
		default:
			return fmt.Errorf("step %d: unknown step type %q", i, s.Kind)
		}
	}
	for _, sc := range c.Subchains {
		if err := validateChain(sc, false); err != nil {
			return err
		}
	}
	return nil
}

func validateFilter(f *Filter) error {
	switch f.Kind {
	case FilterJunction:
		if f.Junction == nil || len(f.Junction.Subexprs) == 0 {
			return fmt.Errorf("filter junction has zero subexprs")
		}
		for _, se := range f.Junction.Subexprs {
			if err := validateFilter(se); err != nil {
				return err
			}
		}
	case FilterExists:
		if f.Exists == nil || f.Exists.Subchain == nil {
			return fmt.Errorf("exists filter missing subchain")
		}
		if err := validateChain(f.Exists.Subchain, false); err != nil {
			return err
		}
	case FilterCompare:
		if f.Compare == nil || f.Compare.LHSSubchain == nil {
			return fmt.Errorf("compare filter missing lhs_subchain")
		}
		if err := validateChain(f.Compare.LHSSubchain, false); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown filter type %q", f.Kind)
	}
	return nil
}
