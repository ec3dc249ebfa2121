// Package config loads sunwet's server configuration: a single JSON
// document describing storage paths, bind address, and the optional
// OIDC/FDAP integrations that live outside this repo's scope.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"sunwet.dev/sunwet/internal/node"
)

// Config is the top-level server configuration document (spec.md §6).
type Config struct {
	CacheDir string `json:"cache_dir"`
	GraphDir string `json:"graph_dir"`
	FilesDir string `json:"files_dir"`
	BindAddr string `json:"bind_addr"`
	Debug    bool   `json:"debug"`

	OIDC *OIDCConfig `json:"oidc,omitempty"`
	FDAP *FDAPConfig `json:"fdap,omitempty"`

	Global GlobalSection `json:"global"`
	User   UserSection   `json:"user"`
}

// OIDCConfig is a seam for the out-of-scope OIDC login flow (spec.md §1).
type OIDCConfig struct {
	IssuerURL    string `json:"issuer_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// FDAPConfig is a seam for the out-of-scope FDAP-backed config/user
// directory (spec.md §1).
type FDAPConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
}

// GlobalSection is either inline or FDAP-backed, per spec.md §6. Only the
// inline form is implemented by this repo; FDAPRef is carried through
// unresolved when set, for a future FDAP-aware deployment to interpret.
type GlobalSection struct {
	Inline  *GlobalInline `json:"inline,omitempty"`
	FDAPRef string        `json:"fdap_ref,omitempty"`
}

type GlobalInline struct {
	MenuItems []MenuItem `json:"menu_items"`
}

// MenuItem is a page in the global menu tree: a bare navigation entry,
// or one carrying a View (named queries, spec.md §4.6) or a Form
// (triple templates, spec.md §4.5). SelfAndAncestors lists this item's
// id followed by its ancestor chain up to the root, mirroring
// original_source/'s menu_item.self_and_ancestors, so a grant on any
// ancestor suffices to read a descendant view's results.
type MenuItem struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	SelfAndAncestors []string `json:"self_and_ancestors,omitempty"`

	View *ViewMenuItem `json:"view,omitempty"`
	Form *FormMenuItem `json:"form,omitempty"`
}

// ViewMenuItem holds a page's named queries (spec.md §4.6): each value
// is a chain-query document, decoded lazily by the httpapi layer since
// internal/query owns the chain grammar.
type ViewMenuItem struct {
	Queries map[string]json.RawMessage `json:"queries"`
}

// FormMenuItem holds a page's triple templates (spec.md §4.5).
type FormMenuItem struct {
	Templates []FormTripleTemplate `json:"templates"`
}

type FormFieldKind string

const (
	FormFieldInput  FormFieldKind = "input"
	FormFieldInline FormFieldKind = "inline"
)

// FormField is one side of a form template's triple: either resolved
// from the submitted parameter named Input, or a literal Inline value
// baked into the form definition.
type FormField struct {
	Kind   FormFieldKind `json:"kind"`
	Input  string        `json:"input,omitempty"`
	Inline node.Node     `json:"inline,omitempty"`
}

type FormTripleTemplate struct {
	Subject   FormField `json:"subject"`
	Predicate string    `json:"predicate"`
	Object    FormField `json:"object"`
}

type UserSection struct {
	Inline  *UserInline `json:"inline,omitempty"`
	FDAPRef string      `json:"fdap_ref,omitempty"`
}

type UserInline struct {
	Tokens []TokenGrant `json:"tokens"`
}

// TokenGrant maps a bearer token (hashed at rest, see internal/access) to
// either admin or a set of menu-item grants.
type TokenGrant struct {
	TokenHash string   `json:"token_hash"`
	Admin     bool     `json:"admin"`
	MenuItems []string `json:"menu_items,omitempty"`
}

// Default values. applyDefaults fills in only BindAddr after decode;
// the timeout and grace-delay constants are not applied to a Config.
const (
	DefaultBindAddr           = "127.0.0.1:8080"
	DefaultHeaderTimeout      = 30 * time.Second
	DefaultConnectTimeout     = 10 * time.Second
	DefaultFinisherGraceDelay = 0
)

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = DefaultBindAddr
	}
}

func (c *Config) validate() error {
	if c.GraphDir == "" {
		return fmt.Errorf("graph_dir is required")
	}
	if c.FilesDir == "" {
		return fmt.Errorf("files_dir is required")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	return nil
}
