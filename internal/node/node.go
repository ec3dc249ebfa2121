// Package node defines sunwet's graph node type: a two-variant tagged
// union of a content-addressed file reference or an embedded JSON value.
package node

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashKind identifies the digest algorithm used by a FileHash. Currently
// only Sha256 exists; the tag keeps the wire format forward-compatible.
type HashKind string

const (
	Sha256 HashKind = "sha256"
)

// FileHash is a tagged content hash, e.g. sha256:<hex>.
type FileHash struct {
	Kind HashKind
	Hex  string
}

func (h FileHash) String() string {
	return string(h.Kind) + ":" + h.Hex
}

func (h FileHash) IsZero() bool {
	return h.Hex == ""
}

// ParseFileHash parses the "kind:hex" wire form produced by String.
func ParseFileHash(s string) (FileHash, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			kind := HashKind(s[:i])
			hexPart := s[i+1:]
			if kind != Sha256 {
				return FileHash{}, fmt.Errorf("unsupported hash kind %q", kind)
			}
			if _, err := hex.DecodeString(hexPart); err != nil {
				return FileHash{}, fmt.Errorf("malformed hash hex: %w", err)
			}
			return FileHash{Kind: kind, Hex: hexPart}, nil
		}
	}
	return FileHash{}, fmt.Errorf("malformed file hash %q, expected kind:hex", s)
}

// Sha256Hash computes the sha256 FileHash of b.
func Sha256Hash(b []byte) FileHash {
	sum := sha256.Sum256(b)
	return FileHash{Kind: Sha256, Hex: hex.EncodeToString(sum[:])}
}

// ShardPath returns the two-level byte-prefix shard path components for
// this hash: h[0:2], h[2:4]. Callers join them under the appropriate root.
func (h FileHash) ShardPath() (string, string) {
	hx := h.Hex
	if len(hx) < 4 {
		hx = (hx + "0000")[:4]
	}
	return hx[0:2], hx[2:4]
}

// Kind discriminates the two Node variants on the wire ("t" field).
type Kind string

const (
	KindFile  Kind = "f"
	KindValue Kind = "v"
)

// Node is sunwet's sum type: either a reference to file content by hash,
// or an embedded JSON scalar/composite value. It is never constructed
// with both fields set; callers should use NewFile/NewValue.
type Node struct {
	kind  Kind
	file  FileHash
	value json.RawMessage
}

func NewFile(h FileHash) Node {
	return Node{kind: KindFile, file: h}
}

// NewValue wraps an already-marshaled JSON value. v must be valid JSON.
func NewValue(v json.RawMessage) Node {
	return Node{kind: KindValue, value: v}
}

// NewValueOf marshals v (a Go value) into a Value node.
func NewValueOf(v any) (Node, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Node{}, fmt.Errorf("marshaling node value: %w", err)
	}
	return Node{kind: KindValue, value: b}, nil
}

func (n Node) IsFile() bool { return n.kind == KindFile }
func (n Node) IsValue() bool { return n.kind == KindValue }

func (n Node) File() (FileHash, bool) {
	if n.kind != KindFile {
		return FileHash{}, false
	}
	return n.file, true
}

func (n Node) Value() (json.RawMessage, bool) {
	if n.kind != KindValue {
		return nil, false
	}
	return n.value, true
}

// wireNode is the {t, v} envelope shape mandated by spec.md §3.
type wireNode struct {
	T Kind            `json:"t"`
	V json.RawMessage `json:"v"`
}

func (n Node) MarshalJSON() ([]byte, error) {
	switch n.kind {
	case KindFile:
		hashJSON, err := json.Marshal(n.file.String())
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{T: KindFile, V: hashJSON})
	case KindValue:
		v := n.value
		if v == nil {
			v = json.RawMessage("null")
		}
		return json.Marshal(wireNode{T: KindValue, V: v})
	default:
		return nil, fmt.Errorf("node has no variant set")
	}
}

func (n *Node) UnmarshalJSON(b []byte) error {
	var w wireNode
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("decoding node: %w", err)
	}
	switch w.T {
	case KindFile:
		var s string
		if err := json.Unmarshal(w.V, &s); err != nil {
			return fmt.Errorf("decoding file node hash: %w", err)
		}
		h, err := ParseFileHash(s)
		if err != nil {
			return fmt.Errorf("decoding file node: %w", err)
		}
		*n = Node{kind: KindFile, file: h}
		return nil
	case KindValue:
		*n = Node{kind: KindValue, value: append(json.RawMessage(nil), w.V...)}
		return nil
	default:
		return fmt.Errorf("unknown node variant %q", w.T)
	}
}

// Canonical returns a stable byte encoding of the node. The query
// evaluator uses it as the identity key when deduplicating nodes and
// as the ordering key for sorted Move steps and comparisons; stored
// rows use the {t,v} JSON form instead (internal/store/sqlite).
func (n Node) Canonical() ([]byte, error) {
	switch n.kind {
	case KindFile:
		return []byte("f:" + n.file.String()), nil
	case KindValue:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(n.value); err != nil {
			return nil, fmt.Errorf("canonicalizing value node: %w", err)
		}
		return append([]byte("v:"), bytes.TrimRight(buf.Bytes(), "\n")...), nil
	default:
		return nil, fmt.Errorf("node has no variant set")
	}
}

// Fulltext concatenates every string-valued leaf of the node's JSON
// value (recursing into arrays and including object keys), per
// spec.md §3's meta.fulltext projection. File nodes contribute nothing.
func (n Node) Fulltext() string {
	if n.kind != KindValue {
		return ""
	}
	var v any
	if err := json.Unmarshal(n.value, &v); err != nil {
		return ""
	}
	var sb bytes.Buffer
	gatherFulltext(&sb, v)
	return sb.String()
}

func gatherFulltext(sb *bytes.Buffer, v any) {
	switch t := v.(type) {
	case string:
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(t)
	case []any:
		for _, e := range t {
			gatherFulltext(sb, e)
		}
	case map[string]any:
		for k, e := range t {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(k)
			gatherFulltext(sb, e)
		}
	default:
		// numbers, bools, null contribute no fulltext
	}
}
