package sqlite

import (
	"encoding/json"
	"fmt"

	"sunwet.dev/sunwet/internal/node"
)

// encodeNode stores a Node as its {t,v} wire JSON; this is the same
// representation clients send/receive, so decoding is a direct
// round-trip through node.Node's (Un)MarshalJSON.
func encodeNode(n node.Node) (string, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("encoding node for storage: %w", err)
	}
	return string(b), nil
}

func decodeNode(s string) (node.Node, error) {
	var n node.Node
	if err := json.Unmarshal([]byte(s), &n); err != nil {
		return node.Node{}, fmt.Errorf("decoding stored node: %w", err)
	}
	return n, nil
}

func encodeMenuItems(ids []string) (string, error) {
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encoding menu item ids: %w", err)
	}
	return string(b), nil
}

func decodeMenuItems(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, fmt.Errorf("decoding menu item ids: %w", err)
	}
	return ids, nil
}
