package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvbrc/workspace/pkg/auth"
	"github.com/bvbrc/workspace/pkg/service"
	"github.com/bvbrc/workspace/pkg/store"
)

// acceptParsed treats every syntactically valid token as verified.
type acceptParsed struct{}

func (acceptParsed) Validate(context.Context, *auth.Token) bool { return true }

func tokenFor(user string) string {
	return fmt.Sprintf("un=%s|SigningSubject=https://auth.example.org/keys|expiry=9999999999|sig=abcd", user)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo := store.NewRepository(store.NewMemoryBackend(), store.NewFilesystemBase(t.TempDir()))
	lanes := service.NewLanes(2, nil)
	t.Cleanup(lanes.Close)

	svc := service.New(repo, nil, auth.StaticTokenSource{}, lanes, nil, service.Options{
		DownloadLifetime: time.Hour,
	}, nil)

	isAdmin := func(user string) bool { return user == "root" }
	router := NewRouter(RouterOptions{
		APIRoot:    "/api",
		Dispatcher: NewDispatcher(svc, acceptParsed{}, isAdmin, nil),
		Download:   NewDownloadHandler(svc, nil),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

type rpcResult struct {
	status int
	result json.RawMessage
	rpcErr *Error
}

func call(t *testing.T, srv *httptest.Server, token, method string, params any) rpcResult {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []any{params},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api", bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return rpcResult{status: resp.StatusCode, result: envelope.Result, rpcErr: envelope.Error}
}

func TestCreateListGetRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	alice := tokenFor("alice")

	res := call(t, srv, alice, "Workspace.create", map[string]any{
		"objects": []any{[]any{"/alice/docs", "folder"}},
	})
	require.Nil(t, res.rpcErr)

	res = call(t, srv, alice, "Workspace.create", map[string]any{
		"objects": []any{[]any{"/alice/docs/a.txt", "txt", map[string]string{}, "hello", ""}},
	})
	require.Nil(t, res.rpcErr)

	res = call(t, srv, alice, "Workspace.ls", map[string]any{"paths": []string{"/alice/docs"}})
	require.Nil(t, res.rpcErr)
	var listing map[string][][]any
	require.NoError(t, json.Unmarshal(res.result, &listing))
	require.Len(t, listing["/alice/docs"], 1)
	entry := listing["/alice/docs"][0]
	assert.Equal(t, "a.txt", entry[0])
	assert.Equal(t, "txt", entry[1])
	assert.Equal(t, float64(5), entry[6])
	auto := entry[8].(map[string]any)
	assert.Equal(t, float64(0), auto["is_folder"])

	res = call(t, srv, alice, "Workspace.get", map[string]any{"objects": []string{"/alice/docs/a.txt"}})
	require.Nil(t, res.rpcErr)
	var pairs [][]json.RawMessage
	require.NoError(t, json.Unmarshal(res.result, &pairs))
	require.Len(t, pairs, 1)
	var data string
	require.NoError(t, json.Unmarshal(pairs[0][1], &data))
	assert.Equal(t, "hello", data)
}

func TestEnvelopeErrors(t *testing.T) {
	srv := newTestServer(t)

	// Invalid JSON body.
	resp, err := http.Post(srv.URL+"/api", "application/json", bytes.NewReader([]byte("{nope")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "-32700")

	// Unknown method.
	res := call(t, srv, tokenFor("alice"), "Workspace.nope", map[string]any{})
	require.NotNil(t, res.rpcErr)
	assert.Equal(t, CodeMethodNotFound, res.rpcErr.Code)
	assert.Equal(t, http.StatusInternalServerError, res.status)

	// Wrong service name.
	res = call(t, srv, tokenFor("alice"), "Other.ls", map[string]any{})
	require.NotNil(t, res.rpcErr)
	assert.Equal(t, CodeMethodNotFound, res.rpcErr.Code)

	// Mistyped params.
	res = call(t, srv, tokenFor("alice"), "Workspace.ls", map[string]any{"paths": "not-an-array"})
	require.NotNil(t, res.rpcErr)
	assert.Equal(t, CodeInvalidParams, res.rpcErr.Code)
}

func TestAuthPolicy(t *testing.T) {
	srv := newTestServer(t)

	// create requires a token.
	res := call(t, srv, "", "Workspace.create", map[string]any{
		"objects": []any{[]any{"/alice/docs", "folder"}},
	})
	require.NotNil(t, res.rpcErr)
	assert.Equal(t, CodeAuthRequired, res.rpcErr.Code)
	assert.Equal(t, http.StatusForbidden, res.status)

	// ls is anonymous-friendly.
	res = call(t, srv, "", "Workspace.ls", map[string]any{"paths": []string{"/"}})
	require.Nil(t, res.rpcErr)
	assert.Equal(t, http.StatusOK, res.status)
}

func TestAdminModeGate(t *testing.T) {
	srv := newTestServer(t)
	alice, bob, root := tokenFor("alice"), tokenFor("bob"), tokenFor("root")

	res := call(t, srv, alice, "Workspace.create", map[string]any{
		"objects": []any{[]any{"/alice/private", "folder"}},
	})
	require.Nil(t, res.rpcErr)

	// adminmode from a non-admin is silently dropped.
	res = call(t, srv, bob, "Workspace.ls", map[string]any{
		"paths": []string{"/alice/private"}, "adminmode": true,
	})
	require.Nil(t, res.rpcErr)
	var listing map[string][][]any
	require.NoError(t, json.Unmarshal(res.result, &listing))
	assert.Empty(t, listing["/alice/private"])

	res = call(t, srv, root, "Workspace.ls", map[string]any{
		"paths": []string{"/alice"}, "adminmode": true,
	})
	require.Nil(t, res.rpcErr)
	require.NoError(t, json.Unmarshal(res.result, &listing))
	assert.Len(t, listing["/alice"], 1)
}

func TestPermissionSharingFlow(t *testing.T) {
	srv := newTestServer(t)
	alice, bob := tokenFor("alice"), tokenFor("bob")

	res := call(t, srv, alice, "Workspace.create", map[string]any{
		"objects": []any{
			[]any{"/alice/shared", "folder"},
			[]any{"/alice/shared/f", "txt", map[string]string{}, "secret", ""},
		},
	})
	require.Nil(t, res.rpcErr)

	res = call(t, srv, bob, "Workspace.get", map[string]any{"objects": []string{"/alice/shared/f"}})
	require.Nil(t, res.rpcErr)
	var pairs [][]json.RawMessage
	require.NoError(t, json.Unmarshal(res.result, &pairs))
	var meta []any
	require.NoError(t, json.Unmarshal(pairs[0][0], &meta))
	assert.Len(t, meta, 13, "expected an error meta before the grant")

	res = call(t, srv, alice, "Workspace.set_permissions", map[string]any{
		"path": "/alice/shared", "permissions": []any{[]any{"bob", "r"}},
	})
	require.Nil(t, res.rpcErr)

	res = call(t, srv, bob, "Workspace.get", map[string]any{"objects": []string{"/alice/shared/f"}})
	require.Nil(t, res.rpcErr)
	require.NoError(t, json.Unmarshal(res.result, &pairs))
	var data string
	require.NoError(t, json.Unmarshal(pairs[0][1], &data))
	assert.Equal(t, "secret", data)

	res = call(t, srv, alice, "Workspace.set_permissions", map[string]any{
		"path": "/alice/shared", "permissions": []any{[]any{"bob", "n"}},
	})
	require.Nil(t, res.rpcErr)

	res = call(t, srv, bob, "Workspace.get", map[string]any{"objects": []string{"/alice/shared/f"}})
	require.Nil(t, res.rpcErr)
	require.NoError(t, json.Unmarshal(res.result, &pairs))
	require.NoError(t, json.Unmarshal(pairs[0][0], &meta))
	assert.Len(t, meta, 13, "expected an error meta after the revocation")
}

func TestDownloadEndpoint(t *testing.T) {
	srv := newTestServer(t)
	alice := tokenFor("alice")

	res := call(t, srv, alice, "Workspace.create", map[string]any{
		"objects": []any{
			[]any{"/alice/pub", "folder"},
			[]any{"/alice/pub/data.bin", "bin", map[string]string{}, "XYZ", ""},
		},
	})
	require.Nil(t, res.rpcErr)

	res = call(t, srv, alice, "Workspace.get_download_url", map[string]any{
		"objects": []string{"/alice/pub/data.bin"},
	})
	require.Nil(t, res.rpcErr)
	var urls []string
	require.NoError(t, json.Unmarshal(res.result, &urls))
	require.Len(t, urls, 1)
	require.NotEmpty(t, urls[0])

	resp, err := http.Get(srv.URL + urls[0])
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "XYZ", string(body))
	assert.Equal(t, "attachment; filename=data.bin", resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "3", resp.Header.Get("Content-Length"))

	// Name mismatch is a miss, not a probe.
	mismatched := urls[0][:len(urls[0])-len("data.bin")] + "other.bin"
	resp, err = http.Get(srv.URL + mismatched)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://bv-brc.org")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "86400", resp.Header.Get("Access-Control-Max-Age"))
	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
