package commit

import (
	"context"
	"fmt"
	"hash/fnv"

	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store"
)

// FieldKind discriminates a FormDefinition template field: a name
// resolved from the submission map, or a literal baked into the form.
type FieldKind string

const (
	FieldInput  FieldKind = "input"
	FieldInline FieldKind = "inline"
)

type Field struct {
	Kind   FieldKind
	Input  string    // field name, when Kind == FieldInput
	Inline node.Node // literal value, when Kind == FieldInline
}

// TripleTemplate is one (subject, predicate, object) row of a form
// definition; Subject/Object are resolved per-submission.
type TripleTemplate struct {
	Subject   Field
	Predicate string
	Object    Field
}

// FormDefinition is the server-held shape of a form page: its
// menu-item id and the triple templates it expands on submission
// (spec.md §4.5 "Form commit").
type FormDefinition struct {
	MenuItemID store.MenuItemId
	Templates  []TripleTemplate
}

// Submission maps a form's input field names to the values the client
// supplied. A value that is a JSON array expands its template by outer
// product into one triple per array element (spec.md §4.5).
type Submission map[string][]node.Node

// FormRequest is the FormCommit RPC body (spec.md §6).
type FormRequest struct {
	MenuItemID store.MenuItemId
	Parameters Submission
	Files      []FileInfo
	Comment    string
}

func (h *Handler) FormCommit(ctx context.Context, def FormDefinition, req FormRequest) (Response, error) {
	var adds []store.Triple
	for _, tmpl := range def.Templates {
		subjects, err := resolveField(tmpl.Subject, req.Parameters)
		if err != nil {
			return Response{}, err
		}
		objects, err := resolveField(tmpl.Object, req.Parameters)
		if err != nil {
			return Response{}, err
		}
		for _, s := range subjects {
			for _, o := range objects {
				adds = append(adds, store.Triple{Subject: s, Predicate: tmpl.Predicate, Object: o})
			}
		}
	}

	resp, err := h.Commit(ctx, Request{Add: adds, Files: req.Files, Comment: req.Comment})
	if err != nil {
		return Response{}, err
	}

	versionHash := definitionHash(def)
	for _, fi := range req.Files {
		if err := h.Store.FileAccessInsert(ctx, store.FileAccess{
			FileHash: fi.Hash, PageID: def.MenuItemID, PageVersionHash: versionHash,
		}); err != nil {
			return Response{}, fmt.Errorf("recording file access for form submission: %w", err)
		}
	}
	if err := h.Store.FileAccessClearNonVersion(ctx, def.MenuItemID, versionHash); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func resolveField(f Field, sub Submission) ([]node.Node, error) {
	switch f.Kind {
	case FieldInline:
		return []node.Node{f.Inline}, nil
	case FieldInput:
		vals, ok := sub[f.Input]
		if !ok {
			return nil, fmt.Errorf("form submission missing field %q", f.Input)
		}
		return vals, nil
	default:
		return nil, fmt.Errorf("unknown form field kind %q", f.Kind)
	}
}

// definitionHash produces the 64-bit hash of a form definition used to
// version its file_access grants (spec.md §4.5): re-submitting an
// unchanged form keeps the same version; changing its templates
// invalidates previously granted file hashes on the next
// FileAccessClearNonVersion sweep.
func definitionHash(def FormDefinition) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s", def.MenuItemID)
	for _, t := range def.Templates {
		fmt.Fprintf(h, "|%v|%s|%v", t.Subject, t.Predicate, t.Object)
	}
	return int64(h.Sum64())
}
