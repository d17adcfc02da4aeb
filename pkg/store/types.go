// Package store implements the workspace metadata repository: workspaces,
// objects and download tickets persisted in a document database, object
// bodies held on the local filesystem or in the Shock blob store, and the
// permission algebra evaluated against both.
//
// The package is split into a Backend interface covering the raw collection
// operations (with Mongo and in-memory implementations) and a Repository
// carrying the domain logic shared by every backend.
package store

import (
	"time"

	"github.com/bvbrc/workspace/pkg/wspath"
)

// TimeFormat is the ISO-8601 layout used for all persisted timestamps.
const TimeFormat = "2006-01-02T15:04:05Z"

// FolderType and ModelFolderType are the folder-kind object types. The
// request alias "directory" canonicalizes to FolderType before reaching this
// package.
const (
	FolderType      = "folder"
	ModelFolderType = "modelfolder"
)

// IsFolderType reports whether t is a folder-kind object type.
func IsFolderType(t string) bool {
	return t == FolderType || t == ModelFolderType
}

// Workspace is a top-level named container owned by a user.
type Workspace struct {
	UUID             string
	Owner            string
	Name             string
	GlobalPermission Permission
	UserPermission   map[string]Permission
	Metadata         map[string]string
	CreationTime     time.Time
}

// Object is a named entry within a workspace: a folder, a filesystem-backed
// leaf, or a blob-backed leaf (ShockURL non-empty).
type Object struct {
	UUID          string
	WorkspaceUUID string
	Path          string // canonical slash-joined, "" at the workspace root
	Name          string
	Type          string
	Owner         string
	CreationTime  time.Time
	Size          int64
	UserMetadata  map[string]string
	AutoMetadata  map[string]string
	ShockURL      string
}

// IsFolder reports whether the object is folder-kind.
func (o *Object) IsFolder() bool { return IsFolderType(o.Type) }

// ResolvedPath is a parsed workspace path together with the workspace record
// it names, when one exists.
type ResolvedPath struct {
	wspath.WSPath
	Workspace *Workspace // nil when the workspace record is absent
}

// Resolved reports whether the path named an existing workspace.
func (p ResolvedPath) Resolved() bool { return p.Workspace != nil }

// Caller is the request identity the repository evaluates permissions for.
type Caller struct {
	User      string
	Valid     bool // token parsed and verified
	AdminMode bool // admin elevation active for this request
}

// ObjectMeta is the metadata view of a workspace or object returned by every
// service method. The zero value (Valid == false) denotes "absent/error" and
// serializes to an empty array on the wire.
type ObjectMeta struct {
	Valid            bool
	Name             string
	Type             string
	Path             string // display path of the containing folder, /owner/ws/... form
	CreationTime     time.Time
	ID               string
	Owner            string
	Size             int64
	UserMetadata     map[string]string
	AutoMetadata     map[string]string
	UserPermission   Permission // effective permission of the caller
	GlobalPermission Permission
	ShockURL         string
	Error            string
}

// ErrorMeta returns an invalid meta carrying a human-readable error, used
// for per-object failures inside an otherwise successful RPC.
func ErrorMeta(msg string) ObjectMeta {
	return ObjectMeta{Error: msg}
}

// DownloadTicket is a single-use download grant bound to a workspace object.
// Exactly one of FilePath or (ShockNode, Token) is set.
type DownloadTicket struct {
	DownloadKey   string
	WorkspacePath string
	Name          string
	Size          int64
	Expiration    time.Time
	FilePath      string
	ShockNode     string
	Token         string
}

// RemovalRequest collects the filesystem paths and blob URLs freed by a
// delete so cleanup can run out of band after the database phase. The
// database is the source of truth; cleanup is best effort.
type RemovalRequest struct {
	FilePaths []string
	ShockURLs []string
}

// AddFile records a filesystem path for later removal.
func (r *RemovalRequest) AddFile(p string) {
	r.FilePaths = append(r.FilePaths, p)
}

// AddShockURL records a blob URL for later removal.
func (r *RemovalRequest) AddShockURL(u string) {
	r.ShockURLs = append(r.ShockURLs, u)
}

// Empty reports whether nothing was collected.
func (r *RemovalRequest) Empty() bool {
	return len(r.FilePaths) == 0 && len(r.ShockURLs) == 0
}

// ObjectSpec describes an object to create.
type ObjectSpec struct {
	// UUID preassigns the object id; empty means a fresh one. Upload-node
	// creation tags the blob node with the object id before the record
	// exists, so the id must be fixed up front.
	UUID         string
	Path         ResolvedPath
	Type         string
	Owner        string
	CreationTime time.Time
	UserMetadata map[string]string
	InlineData   []byte // body for filesystem-backed objects
	ShockURL     string // set for blob-backed objects (upload nodes)
}

// ObjectUpdate describes a metadata mutation for update_metadata.
type ObjectUpdate struct {
	Path         ResolvedPath
	UserMetadata map[string]string
	Type         string     // "" leaves the type unchanged
	CreationTime *time.Time // nil leaves the creation time unchanged
}

// ListOptions filter a directory listing.
type ListOptions struct {
	ExcludeDirectories bool
	ExcludeObjects     bool
	Recursive          bool
}
