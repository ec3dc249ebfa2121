package access_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sunwet.dev/sunwet/internal/access"
	"sunwet.dev/sunwet/internal/config"
	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store"
	"sunwet.dev/sunwet/internal/store/sqlite"
)

func openTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(context.Background(), filepath.Join(dir, "db.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newResolverWithToken(t *testing.T, raw string, admin bool, items ...string) *access.Resolver {
	t.Helper()
	hash, err := access.HashToken(raw)
	require.NoError(t, err)
	return access.NewResolver(config.UserSection{
		Inline: &config.UserInline{
			Tokens: []config.TokenGrant{{TokenHash: hash, Admin: admin, MenuItems: items}},
		},
	})
}

func bearerRequest(raw string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	if raw != "" {
		req.Header.Set("Authorization", "Bearer "+raw)
	}
	return req
}

func TestResolveUnknownTokenIsPublic(t *testing.T) {
	r := newResolverWithToken(t, "correct-token", false, "page1")
	g := r.Resolve(context.Background(), bearerRequest("wrong-token"))
	require.Equal(t, access.Public, g)
}

func TestResolveNoCredentialIsPublic(t *testing.T) {
	r := newResolverWithToken(t, "correct-token", false, "page1")
	g := r.Resolve(context.Background(), bearerRequest(""))
	require.Equal(t, access.Public, g)
}

func TestResolveValidTokenGrantsMenuItems(t *testing.T) {
	r := newResolverWithToken(t, "correct-token", false, "page1", "page2")
	g := r.Resolve(context.Background(), bearerRequest("correct-token"))
	require.False(t, g.Admin)
	require.True(t, g.CanAccessMenuItem("page1"))
	require.True(t, g.CanAccessMenuItem("page2"))
	require.False(t, g.CanAccessMenuItem("page3"))
}

func TestResolveAdminTokenCanAccessAnyMenuItem(t *testing.T) {
	r := newResolverWithToken(t, "admin-token", true)
	g := r.Resolve(context.Background(), bearerRequest("admin-token"))
	require.True(t, g.Admin)
	require.True(t, g.CanAccessMenuItem("anything"))
}

// TestResolveCachesBcryptCompare exercises the sieve-backed token cache
// by resolving the same token many times; this would be unreasonably
// slow if every call paid bcrypt's cost, and must not race.
func TestResolveCachesBcryptCompare(t *testing.T) {
	r := newResolverWithToken(t, "correct-token", false, "page1")
	for i := 0; i < 50; i++ {
		g := r.Resolve(context.Background(), bearerRequest("correct-token"))
		require.True(t, g.CanAccessMenuItem("page1"))
	}
}

func TestLinkSessionCookieGrantsAndRevokes(t *testing.T) {
	r := access.NewResolver(config.UserSection{})
	grant := access.Grant{MenuItems: map[store.MenuItemId]bool{"page1": true}}
	r.RegisterLinkSession("sess1", grant)

	req := httptest.NewRequest(http.MethodGet, "/link/sess1", nil)
	req.AddCookie(&http.Cookie{Name: access.LinkSessionCookie, Value: "sess1"})
	g := r.Resolve(context.Background(), req)
	require.True(t, g.CanAccessMenuItem("page1"))

	r.RevokeLinkSession("sess1")
	g = r.Resolve(context.Background(), req)
	require.Equal(t, access.Public, g)
}

func TestCanAccessAnyChecksEveryID(t *testing.T) {
	g := access.Grant{MenuItems: map[store.MenuItemId]bool{"page2": true}}
	require.False(t, g.CanAccessAny([]store.MenuItemId{"page1"}))
	require.True(t, g.CanAccessAny([]store.MenuItemId{"page1", "page2"}))

	admin := access.Grant{Admin: true}
	require.True(t, admin.CanAccessAny(nil))
}

func TestCanReadFileAdminBypassesGrants(t *testing.T) {
	db := openTestDB(t)
	hash := node.FileHash{Kind: node.Sha256, Hex: "deadbeef00000000000000000000000000000000000000000000000000000000"[:64]}
	ok, err := access.CanReadFile(context.Background(), db, access.Grant{Admin: true}, hash)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCanReadFileRequiresMatchingMenuItem(t *testing.T) {
	db := openTestDB(t)
	hash := node.FileHash{Kind: node.Sha256, Hex: "deadbeef00000000000000000000000000000000000000000000000000000000"[:64]}
	require.NoError(t, db.FileAccessInsert(context.Background(), store.FileAccess{
		FileHash: hash, PageID: "page1", PageVersionHash: 1,
	}))

	noGrant := access.Grant{MenuItems: map[store.MenuItemId]bool{}}
	ok, err := access.CanReadFile(context.Background(), db, noGrant, hash)
	require.NoError(t, err)
	require.False(t, ok)

	withGrant := access.Grant{MenuItems: map[store.MenuItemId]bool{"page1": true}}
	ok, err = access.CanReadFile(context.Background(), db, withGrant, hash)
	require.NoError(t, err)
	require.True(t, ok)
}
