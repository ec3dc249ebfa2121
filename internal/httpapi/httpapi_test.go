package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sunwet.dev/sunwet/internal/access"
	"sunwet.dev/sunwet/internal/commit"
	"sunwet.dev/sunwet/internal/config"
	"sunwet.dev/sunwet/internal/filestore"
	"sunwet.dev/sunwet/internal/httpapi"
	"sunwet.dev/sunwet/internal/link"
	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store"
	"sunwet.dev/sunwet/internal/store/sqlite"
)

// sampleFileHash is a syntactically valid sha256 file hash (64 hex
// digits) for tests that need a file node without staging real content.
const sampleFileHash = "sha256:" +
	"abcd0123" + "abcd0123" + "abcd0123" + "abcd0123" +
	"abcd0123" + "abcd0123" + "abcd0123" + "abcd0123"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *httpapi.Server {
	t.Helper()
	srv, _ := newTestServerWithConfig(t, nil)
	return srv
}

// newTestServerWithConfig builds a server wired to cfg's menu items,
// plus a single admin bearer token so tests can exercise the
// admin-gated and grant-gated RPCs.
func newTestServerWithConfig(t *testing.T, cfg *config.Config) (*httpapi.Server, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(context.Background(), filepath.Join(dir, "db.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fs, err := filestore.Open(filepath.Join(dir, "files"))
	require.NoError(t, err)

	const rawToken = "test-admin-token"
	hash, err := access.HashToken(rawToken)
	require.NoError(t, err)
	resolver := access.NewResolver(config.UserSection{
		Inline: &config.UserInline{
			Tokens: []config.TokenGrant{{TokenHash: hash, Admin: true}},
		},
	})
	hub := link.NewHub(discardLogger())
	return httpapi.New(db, fs, resolver, hub, discardLogger(), cfg), rawToken
}

func doRPC(t *testing.T, srv *httpapi.Server, method string, params any) *httptest.ResponseRecorder {
	t.Helper()
	return doRPCAs(t, srv, "", method, params)
}

func doRPCAs(t *testing.T, srv *httpapi.Server, token, method string, params any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]any{"method": method, "params": params})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:1234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestWhoAmIAnonymous(t *testing.T) {
	srv := newTestServer(t)
	rec := doRPC(t, srv, "WhoAmI", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Admin     bool     `json:"admin"`
		MenuItems []string `json:"menu_items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Admin)
	require.Empty(t, resp.MenuItems)
}

func TestCommitRequiresAdmin(t *testing.T) {
	srv := newTestServer(t)
	rec := doRPC(t, srv, "Commit", map[string]any{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownMethod(t *testing.T) {
	srv := newTestServer(t)
	rec := doRPC(t, srv, "Bogus", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimiterBlocksBurst(t *testing.T) {
	srv := newTestServer(t)
	var last *httptest.ResponseRecorder
	for i := 0; i < 100; i++ {
		last = doRPC(t, srv, "WhoAmI", map[string]any{})
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
}

func TestGetTriplesAroundRequiresAdmin(t *testing.T) {
	srv := newTestServer(t)
	rec := doRPC(t, srv, "GetTriplesAround", map[string]any{
		"node": map[string]any{"t": "v", "v": "x"},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetTriplesAroundReturnsIncidentEdges(t *testing.T) {
	srv, token := newTestServerWithConfig(t, nil)

	subject := map[string]any{"t": "v", "v": "a"}
	object := map[string]any{"t": "v", "v": "b"}
	commitRec := doRPCAs(t, srv, token, "Commit", map[string]any{
		"Add": []map[string]any{{"Subject": subject, "Predicate": "is", "Object": object}},
	})
	require.Equal(t, http.StatusOK, commitRec.Code)

	rec := doRPCAs(t, srv, token, "GetTriplesAround", map[string]any{"node": object})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Incoming []struct {
			Predicate string `json:"Predicate"`
		} `json:"incoming"`
		Outgoing []struct {
			Predicate string `json:"Predicate"`
		} `json:"outgoing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Incoming, 1)
	require.Equal(t, "is", resp.Incoming[0].Predicate)
	require.Empty(t, resp.Outgoing)
}

func TestFormCommitExpandsTemplateAndGrantsFileAccess(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalSection{Inline: &config.GlobalInline{
			MenuItems: []config.MenuItem{{
				ID:   "artist-form",
				Name: "New artist",
				Form: &config.FormMenuItem{
					Templates: []config.FormTripleTemplate{{
						Subject:   config.FormField{Kind: config.FormFieldInput, Input: "artist"},
						Predicate: "is",
						Object:    config.FormField{Kind: config.FormFieldInline, Inline: mustValueNode(t, "artist")},
					}},
				},
			}},
		}},
	}
	srv, token := newTestServerWithConfig(t, cfg)

	fileHash, err := node.ParseFileHash(sampleFileHash)
	require.NoError(t, err)
	rec := doRPCAs(t, srv, token, "FormCommit", map[string]any{
		"menu_item_id": "artist-form",
		"parameters": map[string]any{
			"artist": []map[string]any{{"t": "v", "v": "Radiohead"}},
		},
		"files": []commit.FileInfo{{Hash: fileHash, Size: 4, Mimetype: "text/plain"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	triples := doRPCAs(t, srv, token, "GetTriplesAround", map[string]any{
		"node": map[string]any{"t": "v", "v": "artist"},
	})
	require.Equal(t, http.StatusOK, triples.Code)
	var resp struct {
		Incoming []struct {
			Predicate string `json:"Predicate"`
		} `json:"incoming"`
	}
	require.NoError(t, json.Unmarshal(triples.Body.Bytes(), &resp))
	require.Len(t, resp.Incoming, 1)

	pages, err := srv.Store.FileAccessGet(context.Background(), fileHash)
	require.NoError(t, err)
	require.Equal(t, []store.MenuItemId{"artist-form"}, pages)
}

func TestFormCommitRejectsUngrantedMenuItem(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalSection{Inline: &config.GlobalInline{
			MenuItems: []config.MenuItem{{ID: "artist-form", Form: &config.FormMenuItem{}}},
		}},
	}
	srv, _ := newTestServerWithConfig(t, cfg)
	rec := doRPC(t, srv, "FormCommit", map[string]any{"menu_item_id": "artist-form"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestViewQueryWritesBackFileAccessForAncestorGrant(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalSection{Inline: &config.GlobalInline{
			MenuItems: []config.MenuItem{{
				ID:               "library",
				Name:             "Library",
				SelfAndAncestors: []string{"root"},
				View: &config.ViewMenuItem{
					Queries: map[string]json.RawMessage{
						"all-files": json.RawMessage(`{"root":{"value":{"literal":{"t":"f","v":"` + sampleFileHash + `"}}},"bind":"file"}`),
					},
				},
			}},
		}},
	}
	srv, _ := newTestServerWithConfig(t, cfg)

	// The caller holds only a grant on "root", which reaches "library"
	// through its SelfAndAncestors chain.
	const rootToken = "test-root-token"
	rootHash, err := access.HashToken(rootToken)
	require.NoError(t, err)
	srv.Access = access.NewResolver(config.UserSection{
		Inline: &config.UserInline{
			Tokens: []config.TokenGrant{{TokenHash: rootHash, MenuItems: []string{"root"}}},
		},
	})

	rec := doRPCAs(t, srv, rootToken, "ViewQuery", map[string]any{
		"menu_item_id": "library",
		"query":        "all-files",
		"params":       map[string]any{},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	fileHash, err := node.ParseFileHash(sampleFileHash)
	require.NoError(t, err)
	pages, err := srv.Store.FileAccessGet(context.Background(), fileHash)
	require.NoError(t, err)
	require.Equal(t, []store.MenuItemId{"library"}, pages)
}

func TestGetClientConfigFiltersByGrant(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalSection{Inline: &config.GlobalInline{
			MenuItems: []config.MenuItem{
				{ID: "library", Name: "Library", View: &config.ViewMenuItem{Queries: map[string]json.RawMessage{}}},
			},
		}},
	}
	srv, token := newTestServerWithConfig(t, cfg)

	adminRec := doRPCAs(t, srv, token, "GetClientConfig", map[string]any{})
	require.Equal(t, http.StatusOK, adminRec.Code)
	var adminResp struct {
		MenuItems []struct {
			ID   string `json:"id"`
			Kind string `json:"kind"`
		} `json:"menu_items"`
	}
	require.NoError(t, json.Unmarshal(adminRec.Body.Bytes(), &adminResp))
	require.Len(t, adminResp.MenuItems, 1)
	require.Equal(t, "view", adminResp.MenuItems[0].Kind)

	anonRec := doRPC(t, srv, "GetClientConfig", map[string]any{})
	require.Equal(t, http.StatusOK, anonRec.Code)
	var anonResp struct {
		MenuItems []any `json:"menu_items"`
	}
	require.NoError(t, json.Unmarshal(anonRec.Body.Bytes(), &anonResp))
	require.Empty(t, anonResp.MenuItems)
}

func mustValueNode(t *testing.T, v string) node.Node {
	t.Helper()
	n, err := node.NewValueOf(v)
	require.NoError(t, err)
	return n
}
