package store

import "context"

// Backend covers the raw collection operations against the document store.
// Two implementations exist: Mongo (production) and memory (tests and
// single-node evaluation). Implementations must be safe for concurrent use;
// ordering across operations is the caller's concern (the service funnels
// ordered writes through its serialization lane).
type Backend interface {
	// GetWorkspace returns the workspace owned by owner with the given name.
	// Returns ErrNotFound when absent.
	GetWorkspace(ctx context.Context, owner, name string) (*Workspace, error)

	// InsertWorkspace inserts a workspace record. Returns ErrAlreadyExists
	// when (owner, name) is taken.
	InsertWorkspace(ctx context.Context, ws *Workspace) error

	// ListWorkspaces returns all workspace records, optionally restricted to
	// one owner (owner == "" means all). Caller-visibility filtering happens
	// in the repository.
	ListWorkspaces(ctx context.Context, owner string) ([]*Workspace, error)

	// SetWorkspacePermissions applies a permission mutation: set the given
	// user entries, remove the named users, and change the global permission
	// unless global == PermInvalid.
	SetWorkspacePermissions(ctx context.Context, wsUUID string, set map[string]Permission, remove []string, global Permission) error

	// GetObject returns the object at (wsUUID, path, name). Returns
	// ErrNotFound when absent.
	GetObject(ctx context.Context, wsUUID, path, name string) (*Object, error)

	// InsertObject inserts an object record. Returns ErrAlreadyExists when
	// (workspace_uuid, path, name) is taken.
	InsertObject(ctx context.Context, obj *Object) error

	// UpdateObject replaces the record with obj's uuid.
	UpdateObject(ctx context.Context, obj *Object) error

	// DeleteObject removes the record with the given uuid.
	DeleteObject(ctx context.Context, uuid string) error

	// ListObjects returns the objects in the workspace whose path equals
	// fullPath, or, when recursive, whose path equals fullPath or begins
	// with fullPath + "/".
	ListObjects(ctx context.Context, wsUUID, fullPath string, recursive bool) ([]*Object, error)

	// SetObjectSize updates the single size field of an object.
	SetObjectSize(ctx context.Context, objectUUID string, size int64) error

	// InsertDownload appends a download ticket.
	InsertDownload(ctx context.Context, ticket *DownloadTicket) error

	// GetDownload resolves a ticket by key. Returns ErrNotFound when absent.
	GetDownload(ctx context.Context, key string) (*DownloadTicket, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}
