package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bvbrc/workspace/internal/logger"
	"github.com/bvbrc/workspace/pkg/wspath"
)

// Repository carries the domain logic shared by every Backend: path
// resolution, permission checks, metadata synthesis, and the coupling between
// database records and filesystem-backed object bodies.
//
// Methods taking a Caller enforce permissions; the lower-level record
// helpers (CopyObject, RemoveObject, SetObjectSize) assume the caller was
// already authorized at the operation entry point.
type Repository struct {
	backend Backend
	fs      FilesystemBase
}

// NewRepository creates a repository over the given backend and filesystem
// base.
func NewRepository(backend Backend, fs FilesystemBase) *Repository {
	return &Repository{backend: backend, fs: fs}
}

// Backend exposes the underlying backend for lifecycle management.
func (r *Repository) Backend() Backend { return r.backend }

// Filesystem exposes the filesystem base for body access.
func (r *Repository) Filesystem() FilesystemBase { return r.fs }

// ParsePath parses a raw path string and resolves its workspace record when
// one exists. An absent workspace is not an error here; operations that
// require one check Resolved themselves.
func (r *Repository) ParsePath(ctx context.Context, raw string) (ResolvedPath, error) {
	p, err := wspath.Parse(raw)
	if err != nil {
		return ResolvedPath{}, NewInvalidArgumentError(fmt.Sprintf("invalid path %q", raw))
	}
	rp := ResolvedPath{WSPath: p}
	if p.Owner != "" && p.WSName != "" {
		ws, err := r.backend.GetWorkspace(ctx, p.Owner, p.WSName)
		if err != nil {
			if CodeOf(err) == ErrNotFound {
				return rp, nil
			}
			return ResolvedPath{}, err
		}
		rp.Workspace = ws
	}
	return rp, nil
}

// WorkspaceMeta synthesizes the metadata view of a workspace. Workspaces
// present as folders rooted directly under their owner.
func WorkspaceMeta(ws *Workspace, caller Caller) ObjectMeta {
	return ObjectMeta{
		Valid:            true,
		Name:             ws.Name,
		Type:             FolderType,
		Path:             "/" + ws.Owner + "/",
		CreationTime:     ws.CreationTime,
		ID:               ws.UUID,
		Owner:            ws.Owner,
		UserMetadata:     ws.Metadata,
		UserPermission:   EffectivePermission(ws, caller),
		GlobalPermission: ws.GlobalPermission,
	}
}

// ObjectMetaFor builds the metadata view of an object within ws.
func ObjectMetaFor(obj *Object, ws *Workspace, caller Caller) ObjectMeta {
	dir := "/" + ws.Owner + "/" + ws.Name + "/"
	if obj.Path != "" {
		dir += obj.Path + "/"
	}
	return ObjectMeta{
		Valid:            true,
		Name:             obj.Name,
		Type:             obj.Type,
		Path:             dir,
		CreationTime:     obj.CreationTime,
		ID:               obj.UUID,
		Owner:            obj.Owner,
		Size:             obj.Size,
		UserMetadata:     obj.UserMetadata,
		AutoMetadata:     obj.AutoMetadata,
		UserPermission:   EffectivePermission(ws, caller),
		GlobalPermission: ws.GlobalPermission,
		ShockURL:         obj.ShockURL,
	}
}

// GetObjectAt fetches the object record addressed by p. p must name an
// object within a resolved workspace.
func (r *Repository) GetObjectAt(ctx context.Context, p ResolvedPath) (*Object, error) {
	if !p.Resolved() {
		return nil, NewNotFoundError(p.String())
	}
	if p.IsWorkspacePath() {
		return nil, NewInvalidArgumentError("path addresses a workspace, not an object")
	}
	return r.backend.GetObject(ctx, p.Workspace.UUID, p.Path, p.Name)
}

// LookupObjectMeta returns the metadata view of the workspace or object
// addressed by p. Requires read permission.
func (r *Repository) LookupObjectMeta(ctx context.Context, caller Caller, p ResolvedPath) (ObjectMeta, error) {
	if !p.Resolved() {
		return ObjectMeta{}, NewNotFoundError(p.String())
	}
	if !UserHasPermission(p.Workspace, caller, PermRead) {
		return ObjectMeta{}, NewPermissionDeniedError(p.String())
	}
	if p.IsWorkspacePath() {
		return WorkspaceMeta(p.Workspace, caller), nil
	}
	obj, err := r.backend.GetObject(ctx, p.Workspace.UUID, p.Path, p.Name)
	if err != nil {
		return ObjectMeta{}, err
	}
	return ObjectMetaFor(obj, p.Workspace, caller), nil
}

// ListObjects lists the contents of the folder (or workspace root) addressed
// by p. Listing a non-folder object returns just that object. Requires read
// permission.
func (r *Repository) ListObjects(ctx context.Context, caller Caller, p ResolvedPath, opts ListOptions) ([]ObjectMeta, error) {
	if !p.Resolved() {
		return nil, NewNotFoundError(p.String())
	}
	if !UserHasPermission(p.Workspace, caller, PermRead) {
		return nil, NewPermissionDeniedError(p.String())
	}

	listPath := p.Path
	if !p.IsWorkspacePath() {
		obj, err := r.backend.GetObject(ctx, p.Workspace.UUID, p.Path, p.Name)
		if err != nil {
			return nil, err
		}
		if !obj.IsFolder() {
			return []ObjectMeta{ObjectMetaFor(obj, p.Workspace, caller)}, nil
		}
		listPath = p.FullPath()
	}

	objs, err := r.backend.ListObjects(ctx, p.Workspace.UUID, listPath, opts.Recursive)
	if err != nil {
		return nil, err
	}
	out := make([]ObjectMeta, 0, len(objs))
	for _, obj := range objs {
		if opts.ExcludeDirectories && obj.IsFolder() {
			continue
		}
		if opts.ExcludeObjects && !obj.IsFolder() {
			continue
		}
		out = append(out, ObjectMetaFor(obj, p.Workspace, caller))
	}
	return out, nil
}

// ListWorkspaces returns the workspaces visible to the caller, optionally
// restricted to one owner. Visibility means the caller holds at least read on
// the workspace; admin mode sees everything.
func (r *Repository) ListWorkspaces(ctx context.Context, caller Caller, owner string) ([]ObjectMeta, error) {
	all, err := r.backend.ListWorkspaces(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]ObjectMeta, 0, len(all))
	for _, ws := range all {
		if !UserHasPermission(ws, caller, PermRead) {
			continue
		}
		out = append(out, WorkspaceMeta(ws, caller))
	}
	return out, nil
}

// CreateWorkspace creates the workspace addressed by p. Only the named owner
// (or an admin) may create it. The global permission defaults to none.
func (r *Repository) CreateWorkspace(ctx context.Context, caller Caller, p ResolvedPath, meta map[string]string, global Permission, created time.Time) (ObjectMeta, error) {
	if !wspath.HasValidName(p.WSName) {
		return ObjectMeta{}, NewInvalidArgumentError(fmt.Sprintf("invalid workspace name %q", p.WSName))
	}
	if !caller.AdminMode && (!caller.Valid || caller.User != p.Owner) {
		return ObjectMeta{}, NewPermissionDeniedError(p.String())
	}
	if p.Resolved() {
		return ObjectMeta{}, NewAlreadyExistsError(p.String())
	}
	if global == PermInvalid {
		global = PermNone
	}
	if !global.Storable() {
		return ObjectMeta{}, NewInvalidArgumentError("invalid global permission")
	}

	ws := &Workspace{
		UUID:             uuid.NewString(),
		Owner:            p.Owner,
		Name:             p.WSName,
		GlobalPermission: global,
		UserPermission:   map[string]Permission{},
		Metadata:         meta,
		CreationTime:     created,
	}
	if err := r.backend.InsertWorkspace(ctx, ws); err != nil {
		return ObjectMeta{}, err
	}
	if err := r.fs.MkdirWorkspace(ws.Owner, ws.Name); err != nil {
		return ObjectMeta{}, err
	}
	return WorkspaceMeta(ws, caller), nil
}

// CreateObject creates a single object from spec. Requires write permission
// on the containing workspace. Folder-kind objects get a backing directory;
// inline data is written to the filesystem; a non-empty ShockURL marks the
// object blob-backed with the size filled in later by the upload reconciler.
func (r *Repository) CreateObject(ctx context.Context, caller Caller, spec ObjectSpec) (ObjectMeta, error) {
	p := spec.Path
	if !p.Resolved() {
		return ObjectMeta{}, NewNotFoundError(p.String())
	}
	if !wspath.HasValidName(p.Name) {
		return ObjectMeta{}, NewInvalidArgumentError(fmt.Sprintf("invalid object name %q", p.Name))
	}
	if !UserHasPermission(p.Workspace, caller, PermWrite) {
		return ObjectMeta{}, NewPermissionDeniedError(p.String())
	}

	typ := spec.Type
	if typ == "" {
		typ = "unspecified"
	}
	owner := spec.Owner
	if owner == "" {
		owner = caller.User
	}
	id := spec.UUID
	if id == "" {
		id = uuid.NewString()
	}
	obj := &Object{
		UUID:          id,
		WorkspaceUUID: p.Workspace.UUID,
		Path:          p.Path,
		Name:          p.Name,
		Type:          typ,
		Owner:         owner,
		CreationTime:  spec.CreationTime,
		UserMetadata:  spec.UserMetadata,
		ShockURL:      spec.ShockURL,
	}

	switch {
	case obj.IsFolder():
		if len(spec.InlineData) > 0 || spec.ShockURL != "" {
			return ObjectMeta{}, NewInvalidArgumentError("folder objects carry no data")
		}
	case spec.ShockURL != "":
		// Size arrives once the upload completes.
	default:
		obj.Size = int64(len(spec.InlineData))
	}

	if err := r.backend.InsertObject(ctx, obj); err != nil {
		return ObjectMeta{}, err
	}
	if obj.IsFolder() {
		if err := r.fs.MkdirObject(p); err != nil {
			return ObjectMeta{}, err
		}
	} else if spec.ShockURL == "" {
		if err := r.fs.WriteObjectBody(p, spec.InlineData); err != nil {
			return ObjectMeta{}, err
		}
	}
	return ObjectMetaFor(obj, p.Workspace, caller), nil
}

// CopyObject duplicates a single object record (and its filesystem body) at
// dst. Blob-backed objects share the source node rather than re-uploading.
// Permission checks happen at the copy/move operation entry.
func (r *Repository) CopyObject(ctx context.Context, src *Object, srcPath, dst ResolvedPath, owner string, created time.Time) (*Object, error) {
	out := *src
	out.UUID = uuid.NewString()
	out.WorkspaceUUID = dst.Workspace.UUID
	out.Path = dst.Path
	out.Name = dst.Name
	out.Owner = owner
	out.CreationTime = created
	out.UserMetadata = copyStringMap(src.UserMetadata)
	out.AutoMetadata = copyStringMap(src.AutoMetadata)

	if err := r.backend.InsertObject(ctx, &out); err != nil {
		return nil, err
	}
	switch {
	case out.IsFolder():
		if err := r.fs.MkdirObject(dst); err != nil {
			return nil, err
		}
	case out.ShockURL != "":
		// Shared node; nothing on disk.
	default:
		if err := r.fs.CopyObjectBody(srcPath, dst); err != nil {
			if CodeOf(err) == ErrNotFound {
				break // zero-length body was never materialized
			}
			return nil, err
		}
	}
	return &out, nil
}

// RemoveObject deletes a single object record and collects its backing
// storage into rm for out-of-band cleanup.
func (r *Repository) RemoveObject(ctx context.Context, p ResolvedPath, obj *Object, rm *RemovalRequest) error {
	if err := r.backend.DeleteObject(ctx, obj.UUID); err != nil {
		return err
	}
	if obj.ShockURL != "" {
		rm.AddShockURL(obj.ShockURL)
	} else {
		rm.AddFile(r.fs.PathForObject(p))
	}
	return nil
}

// RemoveFolderAndContents deletes a folder and everything beneath it,
// children before parents, collecting backing storage into rm.
func (r *Repository) RemoveFolderAndContents(ctx context.Context, p ResolvedPath, folder *Object, rm *RemovalRequest) error {
	children, err := r.backend.ListObjects(ctx, p.Workspace.UUID, p.FullPath(), true)
	if err != nil {
		return err
	}
	// Deepest first so folders empty out before their own record goes.
	sort.Slice(children, func(i, j int) bool {
		di := strings.Count(children[i].Path, "/")
		dj := strings.Count(children[j].Path, "/")
		if di != dj {
			return di > dj
		}
		if children[i].Path != children[j].Path {
			return children[i].Path > children[j].Path
		}
		return children[i].Name > children[j].Name
	})
	for _, child := range children {
		cp := p
		cp.Path = child.Path
		cp.Name = child.Name
		if err := r.RemoveObject(ctx, cp, child, rm); err != nil {
			return err
		}
	}
	return r.RemoveObject(ctx, p, folder, rm)
}

// FolderIsEmpty reports whether the folder at p has no direct children.
func (r *Repository) FolderIsEmpty(ctx context.Context, p ResolvedPath) (bool, error) {
	children, err := r.backend.ListObjects(ctx, p.Workspace.UUID, p.FullPath(), false)
	if err != nil {
		return false, err
	}
	return len(children) == 0, nil
}

// UpdateObjectMeta applies a metadata mutation to the object at upd.Path.
// The folder-ness of an object is immutable: a type change may move between
// folder kinds or between non-folder types, never across. Requires write
// permission.
func (r *Repository) UpdateObjectMeta(ctx context.Context, caller Caller, upd ObjectUpdate) (ObjectMeta, error) {
	p := upd.Path
	if !p.Resolved() {
		return ObjectMeta{}, NewNotFoundError(p.String())
	}
	if !UserHasPermission(p.Workspace, caller, PermWrite) {
		return ObjectMeta{}, NewPermissionDeniedError(p.String())
	}
	if p.IsWorkspacePath() {
		return ObjectMeta{}, NewInvalidArgumentError("cannot update metadata on a workspace")
	}
	obj, err := r.backend.GetObject(ctx, p.Workspace.UUID, p.Path, p.Name)
	if err != nil {
		return ObjectMeta{}, err
	}

	if upd.UserMetadata != nil {
		obj.UserMetadata = upd.UserMetadata
	}
	if upd.Type != "" && upd.Type != obj.Type {
		if IsFolderType(upd.Type) != obj.IsFolder() {
			return ObjectMeta{}, NewInvalidArgumentError(
				fmt.Sprintf("cannot change type of %s from %s to %s", p.String(), obj.Type, upd.Type))
		}
		obj.Type = upd.Type
	}
	if upd.CreationTime != nil {
		obj.CreationTime = *upd.CreationTime
	}

	if err := r.backend.UpdateObject(ctx, obj); err != nil {
		return ObjectMeta{}, err
	}
	return ObjectMetaFor(obj, p.Workspace, caller), nil
}

// UpdateAutoMeta replaces the service-computed metadata of the object at p.
// Requires write permission.
func (r *Repository) UpdateAutoMeta(ctx context.Context, caller Caller, p ResolvedPath, auto map[string]string) (ObjectMeta, error) {
	if !p.Resolved() {
		return ObjectMeta{}, NewNotFoundError(p.String())
	}
	if !UserHasPermission(p.Workspace, caller, PermWrite) {
		return ObjectMeta{}, NewPermissionDeniedError(p.String())
	}
	obj, err := r.GetObjectAt(ctx, p)
	if err != nil {
		return ObjectMeta{}, err
	}
	obj.AutoMetadata = auto
	if err := r.backend.UpdateObject(ctx, obj); err != nil {
		return ObjectMeta{}, err
	}
	return ObjectMetaFor(obj, p.Workspace, caller), nil
}

// UserPermissionEntry pairs a user with a permission for set_permissions.
type UserPermissionEntry struct {
	User       string
	Permission Permission
}

// UpdatePermissions mutates the permissions of the workspace containing p.
// Requires admin on the workspace; raising the global permission to public
// requires the owner. The public permission is never storable per user, and
// setting a user to none removes the entry.
//
// The owner check is explicit rather than going through EffectivePermission:
// on a public workspace the effective permission collapses to public for
// everyone, and the owner must still be able to modify permissions (not
// least to un-publish).
func (r *Repository) UpdatePermissions(ctx context.Context, caller Caller, p ResolvedPath, entries []UserPermissionEntry, global Permission) error {
	if !p.Resolved() {
		return NewNotFoundError(p.String())
	}
	ws := p.Workspace
	isOwner := caller.Valid && ws.Owner == caller.User
	if !isOwner && !UserHasPermission(ws, caller, PermAdmin) {
		return NewPermissionDeniedError(p.String())
	}
	if global == PermPublic && !caller.AdminMode && !isOwner {
		return NewPermissionDeniedError("only the owner may make a workspace public")
	}
	if global != PermInvalid && !global.Storable() {
		return NewInvalidArgumentError("invalid global permission")
	}

	set := make(map[string]Permission)
	var remove []string
	for _, e := range entries {
		if e.User == "" {
			return NewInvalidArgumentError("empty user in permission set")
		}
		switch {
		case e.Permission == PermPublic:
			return NewInvalidArgumentError("public is not a per-user permission")
		case e.Permission == PermNone:
			remove = append(remove, e.User)
		case e.Permission.Storable():
			set[e.User] = e.Permission
		default:
			return NewInvalidArgumentError(fmt.Sprintf("invalid permission for user %s", e.User))
		}
	}

	if err := r.backend.SetWorkspacePermissions(ctx, ws.UUID, set, remove, global); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "updated workspace permissions",
		logger.KeyWorkspace, "/"+ws.Owner+"/"+ws.Name,
		"set", len(set), "removed", len(remove), "global", global.String())
	return nil
}

// SetObjectSize updates the stored size of a blob-backed object once its
// upload completes.
func (r *Repository) SetObjectSize(ctx context.Context, objectUUID string, size int64) error {
	return r.backend.SetObjectSize(ctx, objectUUID, size)
}

// CreateDownload issues a download ticket for the object at p. The caller
// was already authorized for read. Folders are not downloadable.
func (r *Repository) CreateDownload(ctx context.Context, p ResolvedPath, obj *Object, lifetime time.Duration, token string, now time.Time) (*DownloadTicket, error) {
	if obj.IsFolder() {
		return nil, NewIsFolderError(p.String())
	}
	ticket := &DownloadTicket{
		DownloadKey:   uuid.NewString(),
		WorkspacePath: p.String(),
		Name:          obj.Name,
		Size:          obj.Size,
		Expiration:    now.Add(lifetime),
	}
	if obj.ShockURL != "" {
		ticket.ShockNode = obj.ShockURL
		ticket.Token = token
	} else {
		ticket.FilePath = r.fs.PathForObject(p)
	}
	if err := r.backend.InsertDownload(ctx, ticket); err != nil {
		return nil, err
	}
	return ticket, nil
}

// LookupDownload resolves a download ticket, rejecting expired ones.
func (r *Repository) LookupDownload(ctx context.Context, key string, now time.Time) (*DownloadTicket, error) {
	ticket, err := r.backend.GetDownload(ctx, key)
	if err != nil {
		return nil, err
	}
	if now.After(ticket.Expiration) {
		return nil, NewExpiredError("download ticket expired")
	}
	return ticket, nil
}
