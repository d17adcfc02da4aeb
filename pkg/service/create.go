package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bvbrc/workspace/internal/logger"
	"github.com/bvbrc/workspace/pkg/store"
)

// Create creates workspaces and objects. The whole batch runs on the
// serialization lane so that overwrite checks, intermediate-folder
// materialization, and the insert itself observe a total order against other
// writers.
func (s *Service) Create(ctx context.Context, caller Caller, params CreateParams) ([]store.ObjectMeta, error) {
	results := make([]store.ObjectMeta, len(params.Objects))
	var rm store.RemovalRequest

	err := s.lanes.Serial.RunErr(ctx, func() error {
		for i, spec := range params.Objects {
			results[i] = s.createOne(ctx, caller, spec, &params, &rm)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.scheduleRemoval(&rm)
	return results, nil
}

func (s *Service) createOne(ctx context.Context, caller Caller, spec CreateObjectSpec, params *CreateParams, rm *store.RemovalRequest) store.ObjectMeta {
	typ, err := s.types.Canonical(spec.Type)
	if err != nil {
		return errorMeta(err)
	}
	created := time.Now().UTC()
	if spec.CreationTime != "" {
		t, err := time.Parse(store.TimeFormat, spec.CreationTime)
		if err != nil {
			return store.ErrorMeta(fmt.Sprintf("invalid creation time %q", spec.CreationTime))
		}
		created = t
	}

	p, err := s.repo.ParsePath(ctx, spec.Path)
	if err != nil {
		return errorMeta(err)
	}
	if p.Owner == "" || p.WSName == "" {
		return store.ErrorMeta(fmt.Sprintf("path %q does not name a workspace", spec.Path))
	}

	if !p.Resolved() {
		if p.IsWorkspacePath() && !store.IsFolderType(typ) {
			return store.ErrorMeta("a workspace must be created with a folder type")
		}
		wsPath := p
		wsPath.Path, wsPath.Name = "", ""
		meta, err := s.repo.CreateWorkspace(ctx, caller.Caller, wsPath,
			spec.Metadata, store.ParsePermission(params.Permission), created)
		if err != nil {
			return errorMeta(err)
		}
		if p.IsWorkspacePath() {
			return meta
		}
		if p, err = s.repo.ParsePath(ctx, spec.Path); err != nil || !p.Resolved() {
			return store.ErrorMeta(fmt.Sprintf("workspace vanished during create: %s", spec.Path))
		}
	} else if p.IsWorkspacePath() {
		// Folder-over-folder creates are idempotent; anything else on an
		// existing workspace is a conflict.
		if store.IsFolderType(typ) {
			return store.WorkspaceMeta(p.Workspace, caller.Caller)
		}
		return store.ErrorMeta(fmt.Sprintf("object already exists: %s", p.String()))
	}

	if !store.UserHasPermission(p.Workspace, caller.Caller, store.PermWrite) {
		return store.ErrorMeta(fmt.Sprintf("permission denied: %s", p.String()))
	}

	var existing *store.Object
	if obj, err := s.repo.GetObjectAt(ctx, p); err == nil {
		existing = obj
	} else if store.CodeOf(err) != store.ErrNotFound {
		return errorMeta(err)
	}
	if existing != nil {
		switch {
		case existing.IsFolder() && store.IsFolderType(typ):
			return store.ObjectMetaFor(existing, p.Workspace, caller.Caller)
		case existing.IsFolder() != store.IsFolderType(typ):
			return store.ErrorMeta(fmt.Sprintf("cannot replace %s with a different kind", p.String()))
		case !params.Overwrite:
			return store.ErrorMeta(fmt.Sprintf("object already exists: %s", p.String()))
		}
	}

	if s.opts.MaxInlineData > 0 && int64(len(spec.Data)) > s.opts.MaxInlineData {
		return store.ErrorMeta(fmt.Sprintf("inline data exceeds %d bytes; use createUploadNodes", s.opts.MaxInlineData))
	}

	if meta, ok := s.ensureIntermediates(ctx, caller, p, created); !ok {
		return meta
	}

	objSpec := store.ObjectSpec{
		Path:         p,
		Type:         typ,
		CreationTime: created,
		UserMetadata: spec.Metadata,
	}
	if params.SetOwner != "" && caller.AdminMode {
		objSpec.Owner = params.SetOwner
	}

	if params.CreateUploadNodes && !store.IsFolderType(typ) {
		objSpec.UUID = uuid.NewString()
		nodeURL, err := s.createUploadNode(ctx, caller, objSpec.UUID)
		if err != nil {
			return store.ErrorMeta(fmt.Sprintf("blob store: %v", err))
		}
		objSpec.ShockURL = nodeURL
	} else {
		objSpec.InlineData = spec.Data
	}

	if existing != nil {
		// Replace the record. The old filesystem body is only queued for
		// cleanup when the new object will not reuse its path; an inline
		// write replaces the file atomically on its own.
		var old store.RemovalRequest
		if err := s.repo.RemoveObject(ctx, p, existing, &old); err != nil {
			return errorMeta(err)
		}
		for _, node := range old.ShockURLs {
			rm.AddShockURL(node)
		}
		if objSpec.ShockURL != "" {
			for _, path := range old.FilePaths {
				rm.AddFile(path)
			}
		}
	}

	meta, err := s.repo.CreateObject(ctx, caller.Caller, objSpec)
	if err != nil {
		return errorMeta(err)
	}
	logger.DebugCtx(ctx, "created object",
		logger.KeyPath, p.String(), logger.KeyType, typ, logger.KeyObjectID, meta.ID)
	return meta
}

// ensureIntermediates materializes the missing folders between the workspace
// root and p, shallowest first. Returns an error meta and false on failure.
func (s *Service) ensureIntermediates(ctx context.Context, caller Caller, p store.ResolvedPath, created time.Time) (store.ObjectMeta, bool) {
	if p.Path == "" {
		return store.ObjectMeta{}, true
	}
	cur := p.WSPath
	cur.Path, cur.Name = "", ""
	for _, segment := range splitPath(p.Path) {
		cur = cur.Append(segment)
		ancestor := store.ResolvedPath{WSPath: cur, Workspace: p.Workspace}
		obj, err := s.repo.GetObjectAt(ctx, ancestor)
		if err == nil {
			if !obj.IsFolder() {
				return store.ErrorMeta(fmt.Sprintf("%s is not a folder", ancestor.String())), false
			}
			continue
		}
		if store.CodeOf(err) != store.ErrNotFound {
			return errorMeta(err), false
		}
		_, err = s.repo.CreateObject(ctx, caller.Caller, store.ObjectSpec{
			Path:         ancestor,
			Type:         store.FolderType,
			CreationTime: created,
		})
		if err != nil {
			return errorMeta(err), false
		}
	}
	return store.ObjectMeta{}, true
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// createUploadNode provisions a Shock node tagged with the object id, grants
// the caller access, and registers the pending upload. It runs on the blob
// lane while the caller holds the serialization lane; the blob lane never
// waits on the serialization lane, so the nesting cannot deadlock.
func (s *Service) createUploadNode(ctx context.Context, caller Caller, objectID string) (string, error) {
	if s.shock == nil {
		return "", store.NewInvalidArgumentError("no blob store configured")
	}
	var nodeURL string
	err := s.lanes.Blob.RunErr(ctx, func() error {
		svc, err := s.serviceToken(ctx)
		if err != nil {
			return err
		}
		nodeID, err := s.shock.CreateNode(ctx, svc.Raw(), objectID)
		if err != nil {
			return err
		}
		nodeURL = s.shock.NodeURL(nodeID)
		if caller.Valid {
			if err := s.shock.AddACLUser(ctx, nodeURL, svc.Raw(), caller.User); err != nil {
				return err
			}
		}
		pollToken := caller.Token.Raw()
		if !caller.Valid {
			pollToken = svc.Raw()
		}
		s.pending.Add(objectID, nodeURL, pollToken, time.Now())
		s.pendingGauge()
		logger.DebugCtx(ctx, "created upload node",
			logger.KeyObjectID, objectID, logger.KeyNodeID, nodeID)
		return nil
	})
	return nodeURL, err
}
