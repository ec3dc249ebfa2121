// Package access resolves an incoming request's identity and decides
// what it may read or write (spec.md §4.6). Grounded on perkeep's
// server/perkeepd auth seam (a chain of candidate authenticators tried
// in order, falling back to an anonymous identity) and on
// original_source/'s server/mod.rs identity resolution order: bearer
// token, then link-session cookie, then public.
package access

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"sunwet.dev/sunwet/internal/config"
	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/sieve"
	"sunwet.dev/sunwet/internal/store"
)

// tokenCacheSize bounds how many resolved bearer tokens are kept
// around to skip bcrypt's deliberately expensive compare on repeat
// requests from the same client.
const tokenCacheSize = 256

// LinkSessionCookie names the cookie a link-subsystem participant
// presents in lieu of a bearer token (spec.md §4.7).
const LinkSessionCookie = "sunwet-link-session"

// Grant is a resolved identity's authorization: either full admin, or
// a specific set of readable/writable menu items.
type Grant struct {
	Admin     bool
	MenuItems map[store.MenuItemId]bool
}

func (g Grant) CanAccessMenuItem(id store.MenuItemId) bool {
	return g.Admin || g.MenuItems[id]
}

// CanAccessAny reports whether g grants access to any of ids, used for
// a view menu item's self-and-ancestors chain (spec.md §4.6): a grant
// on an ancestor page suffices to read a descendant view's results.
func (g Grant) CanAccessAny(ids []store.MenuItemId) bool {
	if g.Admin {
		return true
	}
	for _, id := range ids {
		if g.MenuItems[id] {
			return true
		}
	}
	return false
}

// Public is the zero-grant identity: no menu items, used when no
// credential resolves (spec.md §4.6's "Public" identity).
var Public = Grant{MenuItems: map[store.MenuItemId]bool{}}

// Resolver authenticates requests against the configured token grants.
type Resolver struct {
	tokens []config.TokenGrant
	// linkSessions maps an active link session id to the Grant it was
	// established under, for requests riding the link-session cookie
	// rather than a bearer token.
	linkSessions map[string]Grant
	// resolved caches raw-token -> Grant for tokens that have already
	// passed a bcrypt compare, so a hot client doesn't pay bcrypt's
	// cost on every request. Sieve's linked-list bookkeeping isn't
	// safe for concurrent callers, so access is serialized here.
	resolvedMu sync.Mutex
	resolved   *sieve.Sieve[string, Grant]
}

func NewResolver(user config.UserSection) *Resolver {
	var tokens []config.TokenGrant
	if user.Inline != nil {
		tokens = user.Inline.Tokens
	}
	return &Resolver{
		tokens:       tokens,
		linkSessions: map[string]Grant{},
		resolved:     sieve.New[string, Grant](tokenCacheSize, nil),
	}
}

// HashToken returns the bcrypt hash stored in config in place of the
// raw bearer token, so a leaked config file doesn't hand out live
// credentials (a deliberate hardening beyond the literal wire
// protocol, recorded as a REDESIGN in SPEC_FULL.md §3).
func HashToken(raw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Resolve inspects an incoming request's Authorization bearer token or
// link-session cookie and returns the identity's Grant.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) Grant {
	if tok, ok := bearerToken(req); ok {
		if g, ok := r.resolveToken(tok); ok {
			return g
		}
	}
	if c, err := req.Cookie(LinkSessionCookie); err == nil {
		if g, ok := r.linkSessions[c.Value]; ok {
			return g
		}
	}
	return Public
}

func bearerToken(req *http.Request) (string, bool) {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func (r *Resolver) resolveToken(raw string) (Grant, bool) {
	r.resolvedMu.Lock()
	if g, ok := r.resolved.Get(raw); ok {
		r.resolvedMu.Unlock()
		return g, true
	}
	r.resolvedMu.Unlock()

	for _, tg := range r.tokens {
		if bcrypt.CompareHashAndPassword([]byte(tg.TokenHash), []byte(raw)) == nil {
			items := map[store.MenuItemId]bool{}
			for _, id := range tg.MenuItems {
				items[store.MenuItemId(id)] = true
			}
			g := Grant{Admin: tg.Admin, MenuItems: items}
			r.resolvedMu.Lock()
			r.resolved.Add(raw, g)
			r.resolvedMu.Unlock()
			return g, true
		}
	}
	return Grant{}, false
}

// RegisterLinkSession associates a link session id (an opaque,
// cryptographically random token handed to the participant when it
// joins) with the Grant its cookie-holder inherits for the duration of
// the session.
func (r *Resolver) RegisterLinkSession(sessionID string, g Grant) {
	r.linkSessions[sessionID] = g
}

func (r *Resolver) RevokeLinkSession(sessionID string) {
	delete(r.linkSessions, sessionID)
}

// CanReadFile checks a file read against the versioned FileAccess
// grants a page's last render produced (spec.md §4.6): the requester
// must hold (directly or via Admin) a menu item that is, per the
// store, currently entitled to read this file hash.
func CanReadFile(ctx context.Context, s store.Store, g Grant, hash node.FileHash) (bool, error) {
	if g.Admin {
		return true, nil
	}
	pages, err := s.FileAccessGet(ctx, hash)
	if err != nil {
		return false, err
	}
	for _, p := range pages {
		if g.MenuItems[p] {
			return true, nil
		}
	}
	return false, nil
}
