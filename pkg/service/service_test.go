package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bvbrc/workspace/pkg/auth"
	"github.com/bvbrc/workspace/pkg/shock"
	"github.com/bvbrc/workspace/pkg/store"
)

func testToken(user string) auth.Token {
	raw := fmt.Sprintf("un=%s|SigningSubject=https://auth.example.org/keys|expiry=9999999999|sig=abcd", user)
	return auth.ParseToken(raw)
}

func testCaller(user string) Caller {
	return CallerFor(testToken(user), false)
}

func adminCaller(user string) Caller {
	return CallerFor(testToken(user), true)
}

func anonCaller() Caller {
	return CallerFor(auth.Token{}, false)
}

type testEnv struct {
	svc   *Service
	repo  *store.Repository
	lanes *Lanes
	shock *fakeShock
}

func newTestEnv(t *testing.T, withShock bool) *testEnv {
	t.Helper()
	repo := store.NewRepository(store.NewMemoryBackend(), store.NewFilesystemBase(t.TempDir()))
	lanes := NewLanes(2, nil)
	t.Cleanup(lanes.Close)

	var client *shock.Client
	var fs *fakeShock
	if withShock {
		fs = newFakeShock(t)
		client = shock.NewClient(fs.server.URL, fs.server.Client())
	}

	svc := New(repo, client, auth.StaticTokenSource{Token: testToken("wsservice")}, lanes, nil, Options{
		DownloadLifetime: time.Hour,
		MaxInlineData:    1 << 20,
	}, nil)
	return &testEnv{svc: svc, repo: repo, lanes: lanes, shock: fs}
}

func mustCreate(t *testing.T, env *testEnv, caller Caller, params CreateParams) []store.ObjectMeta {
	t.Helper()
	metas, err := env.svc.Create(context.Background(), caller, params)
	require.NoError(t, err)
	for _, m := range metas {
		require.Empty(t, m.Error, "create %s", m.Name)
	}
	return metas
}

func createSpec(path, typ string, data []byte) CreateObjectSpec {
	return CreateObjectSpec{Path: path, Type: typ, Data: data}
}

// fakeShock is a minimal in-memory Shock server for exercising upload nodes.
type fakeShock struct {
	server *httptest.Server

	mu    sync.Mutex
	seq   int
	nodes map[string]*fakeNode
	acls  map[string][]string
}

type fakeNode struct {
	size     int64
	complete bool
}

func newFakeShock(t *testing.T) *fakeShock {
	t.Helper()
	f := &fakeShock{
		nodes: make(map[string]*fakeNode),
		acls:  make(map[string][]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/node", f.handleCreate)
	mux.HandleFunc("/node/", f.handleNode)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeShock) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("node-%04d", f.seq)
	f.nodes[id] = &fakeNode{}
	f.mu.Unlock()
	writeShockEnvelope(w, map[string]any{"id": id, "file": map[string]any{}})
}

func (f *fakeShock) handleNode(w http.ResponseWriter, r *http.Request) {
	// /node/{id} and /node/{id}/acl/all
	rest := r.URL.Path[len("/node/"):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		id := rest[:i]
		if r.Method == http.MethodPut {
			f.mu.Lock()
			f.acls[id] = append(f.acls[id], r.URL.Query().Get("users"))
			f.mu.Unlock()
			writeShockEnvelope(w, map[string]any{})
			return
		}
		http.NotFound(w, r)
		return
	}

	f.mu.Lock()
	node, ok := f.nodes[rest]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"status": 404, "error": []string{"node not found"}})
		return
	}
	file := map[string]any{"size": node.size, "checksum": map[string]string{}}
	if node.complete {
		file["checksum"] = map[string]string{"md5": "d41d8cd98f00b204e9800998ecf8427e"}
	}
	writeShockEnvelope(w, map[string]any{"id": rest, "file": file})
}

// completeUpload marks a node's upload finished with the given size.
func (f *fakeShock) completeUpload(t *testing.T, nodeURL string, size int64) {
	t.Helper()
	id, err := shock.ParseNodeID(nodeURL)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[id]
	require.True(t, ok, "unknown node %s", id)
	node.size = size
	node.complete = true
}

func (f *fakeShock) grantedUsers(nodeURL string) []string {
	id, err := shock.ParseNodeID(nodeURL)
	if err != nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acls[id]...)
}

func writeShockEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": 200, "data": data})
}
