package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvbrc/workspace/pkg/auth"
	"github.com/bvbrc/workspace/pkg/shock"
	"github.com/bvbrc/workspace/pkg/store"
)

func TestCreateWorkspaceAndDeepObject(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	alice := testCaller("alice")

	metas := mustCreate(t, env, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
		createSpec("/alice/home/a/b/notes.txt", "txt", []byte("hello")),
	}})

	assert.Equal(t, "home", metas[0].Name)
	assert.Equal(t, "folder", metas[0].Type)
	assert.Equal(t, "/alice/", metas[0].Path)

	assert.Equal(t, "notes.txt", metas[1].Name)
	assert.Equal(t, "/alice/home/a/b/", metas[1].Path)
	assert.Equal(t, int64(5), metas[1].Size)

	// Intermediate folders were materialized.
	ls, err := env.svc.Ls(ctx, alice, LsParams{Paths: []string{"/alice/home"}})
	require.NoError(t, err)
	require.Len(t, ls["/alice/home"], 1)
	assert.Equal(t, "a", ls["/alice/home"][0].Name)

	p, err := env.repo.ParsePath(ctx, "/alice/home/a/b/notes.txt")
	require.NoError(t, err)
	body, err := env.repo.Filesystem().ReadObjectBody(p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestCreateMissingWorkspaceFromDeepPath(t *testing.T) {
	env := newTestEnv(t, false)
	alice := testCaller("alice")

	metas, err := env.svc.Create(context.Background(), alice, CreateParams{
		Objects:    []CreateObjectSpec{createSpec("/alice/fresh/readme", "txt", []byte("x"))},
		Permission: "r",
	})
	require.NoError(t, err)
	require.Empty(t, metas[0].Error)
	assert.Equal(t, "readme", metas[0].Name)

	// The implicitly created workspace carries the requested global
	// permission, so an anonymous listing sees it.
	ls, err := env.svc.Ls(context.Background(), anonCaller(), LsParams{Paths: []string{"/alice"}})
	require.NoError(t, err)
	require.Len(t, ls["/alice"], 1)
	assert.Equal(t, "fresh", ls["/alice"][0].Name)
}

func TestCreateConflictsAndOverwrite(t *testing.T) {
	env := newTestEnv(t, false)
	alice := testCaller("alice")

	mustCreate(t, env, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
		createSpec("/alice/home/f", "txt", []byte("one")),
	}})

	// Same path again without overwrite fails per object, not per batch.
	metas, err := env.svc.Create(context.Background(), alice, CreateParams{
		Objects: []CreateObjectSpec{createSpec("/alice/home/f", "txt", []byte("two"))},
	})
	require.NoError(t, err)
	assert.Contains(t, metas[0].Error, "already exists")

	// Folder-over-folder is a no-op returning the existing meta.
	metas, err = env.svc.Create(context.Background(), alice, CreateParams{
		Objects: []CreateObjectSpec{createSpec("/alice/home", "folder", nil)},
	})
	require.NoError(t, err)
	assert.Empty(t, metas[0].Error)
	assert.Equal(t, "home", metas[0].Name)

	// A file cannot replace a folder even with overwrite.
	metas, err = env.svc.Create(context.Background(), alice, CreateParams{
		Objects:   []CreateObjectSpec{createSpec("/alice/home", "txt", []byte("x"))},
		Overwrite: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, metas[0].Error)

	// Overwrite replaces the body.
	mustCreate(t, env, alice, CreateParams{
		Objects:   []CreateObjectSpec{createSpec("/alice/home/f", "txt", []byte("two"))},
		Overwrite: true,
	})
	p, err := env.repo.ParsePath(context.Background(), "/alice/home/f")
	require.NoError(t, err)
	body, err := env.repo.Filesystem().ReadObjectBody(p)
	require.NoError(t, err)
	assert.Equal(t, "two", string(body))
}

func TestCreatePermissionDenied(t *testing.T) {
	env := newTestEnv(t, false)
	alice, bob := testCaller("alice"), testCaller("bob")

	mustCreate(t, env, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
	}})

	metas, err := env.svc.Create(context.Background(), bob, CreateParams{
		Objects: []CreateObjectSpec{createSpec("/alice/home/f", "txt", []byte("x"))},
	})
	require.NoError(t, err)
	assert.Contains(t, metas[0].Error, "permission denied")

	// Workspace creation under another user's name is also denied.
	metas, err = env.svc.Create(context.Background(), bob, CreateParams{
		Objects: []CreateObjectSpec{createSpec("/alice/other", "folder", nil)},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, metas[0].Error)
}

func TestCreateUploadNodes(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	alice := testCaller("alice")

	mustCreate(t, env, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
	}})
	metas := mustCreate(t, env, alice, CreateParams{
		Objects:           []CreateObjectSpec{createSpec("/alice/home/big.bam", "bam", nil)},
		CreateUploadNodes: true,
	})
	require.NotEmpty(t, metas[0].ShockURL)
	assert.Equal(t, int64(0), metas[0].Size)
	assert.Equal(t, 1, env.svc.pending.Len())
	assert.Contains(t, env.shock.grantedUsers(metas[0].ShockURL), "alice")

	// Size stays zero until the upload completes.
	after, err := env.svc.UpdateAutoMeta(ctx, alice, UpdateAutoMetaParams{Objects: []string{"/alice/home/big.bam"}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), after[0].Size)
	assert.Equal(t, 1, env.svc.pending.Len())

	env.shock.completeUpload(t, metas[0].ShockURL, 4096)
	after, err = env.svc.UpdateAutoMeta(ctx, alice, UpdateAutoMetaParams{Objects: []string{"/alice/home/big.bam"}})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), after[0].Size)
	assert.Equal(t, 0, env.svc.pending.Len())
}

func TestReconcilerFlushesCompletedUploads(t *testing.T) {
	repo := store.NewRepository(store.NewMemoryBackend(), store.NewFilesystemBase(t.TempDir()))
	lanes := NewLanes(2, nil)
	t.Cleanup(lanes.Close)
	fs := newFakeShock(t)
	client := shock.NewClient(fs.server.URL, fs.server.Client())
	svc := New(repo, client, auth.StaticTokenSource{Token: testToken("wsservice")}, lanes, nil, Options{
		DownloadLifetime:  time.Hour,
		ReconcileInterval: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc.StartReconciler(ctx)

	alice := testCaller("alice")
	_, err := svc.Create(ctx, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
	}})
	require.NoError(t, err)
	metas, err := svc.Create(ctx, alice, CreateParams{
		Objects:           []CreateObjectSpec{createSpec("/alice/home/data", "unspecified", nil)},
		CreateUploadNodes: true,
	})
	require.NoError(t, err)
	require.Empty(t, metas[0].Error)
	fs.completeUpload(t, metas[0].ShockURL, 77)

	require.Eventually(t, func() bool {
		res, err := svc.Ls(ctx, alice, LsParams{Paths: []string{"/alice/home/data"}})
		if err != nil || len(res["/alice/home/data"]) != 1 {
			return false
		}
		return res["/alice/home/data"][0].Size == 77
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, svc.pending.Len())
}

func TestGetInlineAndMetadataOnly(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	alice := testCaller("alice")

	mustCreate(t, env, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
		createSpec("/alice/home/f", "txt", []byte("payload")),
	}})

	res, err := env.svc.Get(ctx, alice, GetParams{Objects: []string{"/alice/home/f", "/alice/home/missing"}})
	require.NoError(t, err)
	assert.Equal(t, "payload", res[0].Data)
	assert.Equal(t, "f", res[0].Meta.Name)
	assert.False(t, res[1].Meta.Valid)
	assert.NotEmpty(t, res[1].Meta.Error)

	res, err = env.svc.Get(ctx, alice, GetParams{Objects: []string{"/alice/home/f"}, MetadataOnly: true})
	require.NoError(t, err)
	assert.Empty(t, res[0].Data)
	assert.Equal(t, int64(7), res[0].Meta.Size)
}

func TestLsRouting(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	alice := testCaller("alice")

	mustCreate(t, env, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
		createSpec("/alice/home/docs", "folder", nil),
		createSpec("/alice/home/docs/a", "txt", []byte("a")),
		createSpec("/alice/home/b", "txt", []byte("b")),
	}})

	res, err := env.svc.Ls(ctx, alice, LsParams{Paths: []string{"/", "/alice", "/alice/home", "/nosuch/ws"}})
	require.NoError(t, err)
	assert.Len(t, res["/"], 1)
	assert.Len(t, res["/alice"], 1)
	assert.Len(t, res["/alice/home"], 2)
	assert.Empty(t, res["/nosuch/ws"])

	res, err = env.svc.Ls(ctx, alice, LsParams{Paths: []string{"/alice/home"}, Recursive: true})
	require.NoError(t, err)
	assert.Len(t, res["/alice/home"], 3)

	res, err = env.svc.Ls(ctx, alice, LsParams{Paths: []string{"/alice/home"}, Recursive: true, ExcludeDirectories: true})
	require.NoError(t, err)
	assert.Len(t, res["/alice/home"], 2)

	// Listing a file returns the file itself.
	res, err = env.svc.Ls(ctx, alice, LsParams{Paths: []string{"/alice/home/b"}})
	require.NoError(t, err)
	require.Len(t, res["/alice/home/b"], 1)
	assert.Equal(t, "b", res["/alice/home/b"][0].Name)
}

func TestDeleteSemantics(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	alice := testCaller("alice")

	mustCreate(t, env, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
		createSpec("/alice/home/docs", "folder", nil),
		createSpec("/alice/home/docs/f", "txt", []byte("x")),
	}})

	// Folders need deleteDirectories.
	metas, err := env.svc.Delete(ctx, alice, DeleteParams{Objects: []string{"/alice/home/docs"}})
	require.NoError(t, err)
	assert.Contains(t, metas[0].Error, "deleteDirectories")

	// Non-empty folders need force.
	metas, err = env.svc.Delete(ctx, alice, DeleteParams{
		Objects: []string{"/alice/home/docs"}, DeleteDirectories: true,
	})
	require.NoError(t, err)
	assert.Contains(t, metas[0].Error, "not empty")

	metas, err = env.svc.Delete(ctx, alice, DeleteParams{
		Objects: []string{"/alice/home/docs"}, DeleteDirectories: true, Force: true,
	})
	require.NoError(t, err)
	assert.Empty(t, metas[0].Error)
	assert.Equal(t, "docs", metas[0].Name)

	res, err := env.svc.Ls(ctx, alice, LsParams{Paths: []string{"/alice/home"}})
	require.NoError(t, err)
	assert.Empty(t, res["/alice/home"])

	// Workspaces cannot be deleted through this method.
	metas, err = env.svc.Delete(ctx, alice, DeleteParams{
		Objects: []string{"/alice/home"}, DeleteDirectories: true, Force: true,
	})
	require.NoError(t, err)
	assert.Contains(t, metas[0].Error, "workspace")
}

func TestCopyAndMove(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	alice := testCaller("alice")

	mustCreate(t, env, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
		createSpec("/alice/home/src", "folder", nil),
		createSpec("/alice/home/src/f", "txt", []byte("body")),
		createSpec("/alice/home/dst", "folder", nil),
	}})

	// Copying a file into an existing folder lands it under its own name.
	metas, err := env.svc.Copy(ctx, alice, CopyParams{
		Objects: []CopyPair{{From: "/alice/home/src/f", To: "/alice/home/dst"}},
	})
	require.NoError(t, err)
	require.Empty(t, metas[0].Error)
	assert.Equal(t, "f", metas[0].Name)
	assert.Equal(t, "/alice/home/dst/", metas[0].Path)

	p, err := env.repo.ParsePath(ctx, "/alice/home/dst/f")
	require.NoError(t, err)
	body, err := env.repo.Filesystem().ReadObjectBody(p)
	require.NoError(t, err)
	assert.Equal(t, "body", string(body))

	// Folder copies require recursive.
	metas, err = env.svc.Copy(ctx, alice, CopyParams{
		Objects: []CopyPair{{From: "/alice/home/src", To: "/alice/home/copy"}},
	})
	require.NoError(t, err)
	assert.Contains(t, metas[0].Error, "recursive")

	metas, err = env.svc.Copy(ctx, alice, CopyParams{
		Objects:   []CopyPair{{From: "/alice/home/src", To: "/alice/home/copy"}},
		Recursive: true,
	})
	require.NoError(t, err)
	require.Empty(t, metas[0].Error)
	res, err := env.svc.Ls(ctx, alice, LsParams{Paths: []string{"/alice/home/copy"}})
	require.NoError(t, err)
	require.Len(t, res["/alice/home/copy"], 1)
	assert.Equal(t, "f", res["/alice/home/copy"][0].Name)

	// A folder cannot be copied into itself.
	metas, err = env.svc.Copy(ctx, alice, CopyParams{
		Objects:   []CopyPair{{From: "/alice/home/src", To: "/alice/home/src/inner"}},
		Recursive: true,
	})
	require.NoError(t, err)
	assert.Contains(t, metas[0].Error, "into itself")

	// Move removes the source.
	metas, err = env.svc.Copy(ctx, alice, CopyParams{
		Objects: []CopyPair{{From: "/alice/home/src/f", To: "/alice/home/moved.txt"}},
		Move:    true,
	})
	require.NoError(t, err)
	require.Empty(t, metas[0].Error)
	res, err = env.svc.Ls(ctx, alice, LsParams{Paths: []string{"/alice/home/src"}})
	require.NoError(t, err)
	assert.Empty(t, res["/alice/home/src"])
	res, err = env.svc.Ls(ctx, alice, LsParams{Paths: []string{"/alice/home/moved.txt"}})
	require.NoError(t, err)
	require.Len(t, res["/alice/home/moved.txt"], 1)
}

func TestUpdateMetadata(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	alice := testCaller("alice")

	mustCreate(t, env, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
		{Path: "/alice/home/f", Type: "txt", Metadata: map[string]string{"a": "1", "b": "2"}},
	}})

	// Replace drops keys not present in the update.
	metas, err := env.svc.UpdateMetadata(ctx, alice, UpdateMetadataParams{
		Objects: []MetadataUpdateSpec{{Path: "/alice/home/f", Metadata: map[string]string{"b": "3"}}},
	})
	require.NoError(t, err)
	require.Empty(t, metas[0].Error)
	assert.Equal(t, map[string]string{"b": "3"}, metas[0].UserMetadata)

	// Append merges.
	metas, err = env.svc.UpdateMetadata(ctx, alice, UpdateMetadataParams{
		Objects: []MetadataUpdateSpec{{Path: "/alice/home/f", Metadata: map[string]string{"c": "4"}}},
		Append:  true,
	})
	require.NoError(t, err)
	require.Empty(t, metas[0].Error)
	assert.Equal(t, map[string]string{"b": "3", "c": "4"}, metas[0].UserMetadata)

	// Type changes stay within the same kind.
	metas, err = env.svc.UpdateMetadata(ctx, alice, UpdateMetadataParams{
		Objects: []MetadataUpdateSpec{{Path: "/alice/home/f", Type: "genome"}},
	})
	require.NoError(t, err)
	require.Empty(t, metas[0].Error)
	assert.Equal(t, "genome", metas[0].Type)

	metas, err = env.svc.UpdateMetadata(ctx, alice, UpdateMetadataParams{
		Objects: []MetadataUpdateSpec{{Path: "/alice/home/f", Type: "folder"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, metas[0].Error)
}

func TestSetAndListPermissions(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	alice, bob := testCaller("alice"), testCaller("bob")

	mustCreate(t, env, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
		createSpec("/alice/home/f", "txt", []byte("x")),
	}})

	// Bob cannot see the workspace yet.
	res, err := env.svc.Ls(ctx, bob, LsParams{Paths: []string{"/alice/home"}})
	require.NoError(t, err)
	assert.Empty(t, res["/alice/home"])

	entries, err := env.svc.SetPermissions(ctx, alice, SetPermissionsParams{
		Path:        "/alice/home",
		Permissions: []PermissionPair{{User: "bob", Permission: "w"}},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, PermissionEntry{"global_permission", "n"}, entries[0])
	assert.Equal(t, PermissionEntry{"bob", "w"}, entries[1])

	res, err = env.svc.Ls(ctx, bob, LsParams{Paths: []string{"/alice/home"}})
	require.NoError(t, err)
	assert.Len(t, res["/alice/home"], 1)

	perms, err := env.svc.ListPermissions(ctx, bob, ListPermissionsParams{Objects: []string{"/alice/home/f"}})
	require.NoError(t, err)
	require.Len(t, perms["/alice/home/f"], 2)

	// Revoking with "n" removes the entry.
	entries, err = env.svc.SetPermissions(ctx, alice, SetPermissionsParams{
		Path:        "/alice/home",
		Permissions: []PermissionPair{{User: "bob", Permission: "n"}},
	})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Non-admin callers cannot touch permissions.
	_, err = env.svc.SetPermissions(ctx, bob, SetPermissionsParams{
		Path:        "/alice/home",
		Permissions: []PermissionPair{{User: "bob", Permission: "a"}},
	})
	require.Error(t, err)
}

func TestGetDownloadURL(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	alice := testCaller("alice")

	mustCreate(t, env, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
		createSpec("/alice/home/report final.txt", "txt", []byte("abc")),
	}})

	urls, err := env.svc.GetDownloadURL(ctx, alice, GetDownloadURLParams{
		Objects: []string{"/alice/home/report final.txt"},
	})
	require.NoError(t, err)
	require.Len(t, urls, 1)
	assert.True(t, strings.HasPrefix(urls[0], "/dl/"), urls[0])
	assert.True(t, strings.HasSuffix(urls[0], "/report%20final.txt"), urls[0])

	parts := strings.Split(strings.TrimPrefix(urls[0], "/dl/"), "/")
	require.Len(t, parts, 2)
	ticket, err := env.repo.LookupDownload(ctx, parts[0], time.Now())
	require.NoError(t, err)
	assert.Equal(t, "report final.txt", ticket.Name)
	assert.Equal(t, int64(3), ticket.Size)
	assert.NotEmpty(t, ticket.FilePath)
	assert.Empty(t, ticket.ShockNode)

	// Folders are not downloadable; their slot comes back empty.
	urls, err = env.svc.GetDownloadURL(ctx, alice, GetDownloadURLParams{Objects: []string{"/alice/home"}})
	require.NoError(t, err)
	assert.Equal(t, []string{""}, urls)
}

func TestGetDownloadURLGrantsNodeACL(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	alice, bob := testCaller("alice"), testCaller("bob")

	mustCreate(t, env, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
	}})
	metas := mustCreate(t, env, alice, CreateParams{
		Objects:           []CreateObjectSpec{createSpec("/alice/home/big.bam", "bam", nil)},
		CreateUploadNodes: true,
	})
	require.NotEmpty(t, metas[0].ShockURL)
	require.NotContains(t, env.shock.grantedUsers(metas[0].ShockURL), "bob")

	_, err := env.svc.SetPermissions(ctx, alice, SetPermissionsParams{
		Path:        "/alice/home",
		Permissions: []PermissionPair{{User: "bob", Permission: "r"}},
	})
	require.NoError(t, err)

	// Minting a ticket for a blob-backed object must put the reader on the
	// node ACL; the ticket's token alone would still bounce off Shock.
	urls, err := env.svc.GetDownloadURL(ctx, bob, GetDownloadURLParams{
		Objects: []string{"/alice/home/big.bam"},
	})
	require.NoError(t, err)
	require.Len(t, urls, 1)
	require.NotEmpty(t, urls[0])
	assert.Contains(t, env.shock.grantedUsers(metas[0].ShockURL), "bob")

	parts := strings.Split(strings.TrimPrefix(urls[0], "/dl/"), "/")
	require.Len(t, parts, 2)
	ticket, err := env.repo.LookupDownload(ctx, parts[0], time.Now())
	require.NoError(t, err)
	assert.Equal(t, metas[0].ShockURL, ticket.ShockNode)
	assert.Equal(t, bob.Token.Raw(), ticket.Token)
}

func TestAdminModeBypassesPermissions(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	alice := testCaller("alice")
	root := adminCaller("root")

	mustCreate(t, env, alice, CreateParams{Objects: []CreateObjectSpec{
		createSpec("/alice/home", "folder", nil),
		createSpec("/alice/home/f", "txt", []byte("x")),
	}})

	res, err := env.svc.Ls(ctx, root, LsParams{Paths: []string{"/alice/home"}})
	require.NoError(t, err)
	assert.Len(t, res["/alice/home"], 1)

	metas, err := env.svc.Delete(ctx, root, DeleteParams{Objects: []string{"/alice/home/f"}})
	require.NoError(t, err)
	assert.Empty(t, metas[0].Error)
}
