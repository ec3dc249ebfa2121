package query

import (
	"encoding/json"
	"fmt"

	"sunwet.dev/sunwet/internal/node"
)

// TreeNode is a decoded query result column: a bare node, a plural
// (array-aggregated) column, or a nested record produced by a chain
// with further binds (spec.md §4.2 "Result shape").
type TreeNode struct {
	Scalar *node.Node          `json:"-"`
	Array  []TreeNode          `json:"-"`
	Record map[string]TreeNode `json:"-"`
}

func ScalarOf(n node.Node) TreeNode  { return TreeNode{Scalar: &n} }
func ArrayOf(items []TreeNode) TreeNode { return TreeNode{Array: items} }
func RecordOf(fields map[string]TreeNode) TreeNode { return TreeNode{Record: fields} }

func (t TreeNode) MarshalJSON() ([]byte, error) {
	switch {
	case t.Scalar != nil:
		return json.Marshal(*t.Scalar)
	case t.Array != nil:
		return json.Marshal(t.Array)
	case t.Record != nil:
		return json.Marshal(t.Record)
	default:
		return []byte("null"), nil
	}
}

func (t *TreeNode) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*t = TreeNode{}
		return nil
	case []any:
		items := make([]TreeNode, 0, len(v))
		for _, e := range v {
			eb, err := json.Marshal(e)
			if err != nil {
				return err
			}
			var et TreeNode
			if err := et.UnmarshalJSON(eb); err != nil {
				return err
			}
			items = append(items, et)
		}
		*t = TreeNode{Array: items}
		return nil
	case map[string]any:
		// Ambiguous with a Value-node's {t,v} envelope; try decoding as
		// a Node first since that's the more specific shape.
		var n node.Node
		if err := json.Unmarshal(b, &n); err == nil {
			*t = TreeNode{Scalar: &n}
			return nil
		}
		fields := make(map[string]TreeNode, len(v))
		for k, e := range v {
			eb, err := json.Marshal(e)
			if err != nil {
				return err
			}
			var et TreeNode
			if err := et.UnmarshalJSON(eb); err != nil {
				return err
			}
			fields[k] = et
		}
		*t = TreeNode{Record: fields}
		return nil
	default:
		return fmt.Errorf("unexpected tree node scalar shape")
	}
}

// Record is one row of a query's result set: a map of bound names to
// TreeNode values.
type Record map[string]TreeNode

// Result is the decoded §6 Query/ViewQuery response body.
type Result struct {
	Records []Record `json:"records"`
}
