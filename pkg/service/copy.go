package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bvbrc/workspace/internal/logger"
	"github.com/bvbrc/workspace/pkg/store"
	"github.com/bvbrc/workspace/pkg/wspath"
)

// Copy duplicates or moves objects. Destination folders behave like cp: a
// destination that names an existing folder (or a workspace) receives the
// source under its own name. Runs on the serialization lane so the
// existence and overwrite checks hold through the writes.
func (s *Service) Copy(ctx context.Context, caller Caller, params CopyParams) ([]store.ObjectMeta, error) {
	results := make([]store.ObjectMeta, len(params.Objects))
	var rm store.RemovalRequest

	err := s.lanes.Serial.RunErr(ctx, func() error {
		for i, pair := range params.Objects {
			results[i] = s.copyOne(ctx, caller, pair, &params, &rm)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.scheduleRemoval(&rm)
	return results, nil
}

func (s *Service) copyOne(ctx context.Context, caller Caller, pair CopyPair, params *CopyParams, rm *store.RemovalRequest) store.ObjectMeta {
	src, err := s.repo.ParsePath(ctx, pair.From)
	if err != nil {
		return errorMeta(err)
	}
	if !src.Resolved() {
		return store.ErrorMeta(fmt.Sprintf("not found: %s", pair.From))
	}
	if src.IsWorkspacePath() {
		return store.ErrorMeta(fmt.Sprintf("cannot copy a workspace: %s", src.String()))
	}
	if !store.UserHasPermission(src.Workspace, caller.Caller, store.PermRead) {
		return store.ErrorMeta(fmt.Sprintf("permission denied: %s", src.String()))
	}
	if params.Move && !store.UserHasPermission(src.Workspace, caller.Caller, store.PermWrite) {
		return store.ErrorMeta(fmt.Sprintf("permission denied: %s", src.String()))
	}

	dst, err := s.repo.ParsePath(ctx, pair.To)
	if err != nil {
		return errorMeta(err)
	}
	if !dst.Resolved() {
		return store.ErrorMeta(fmt.Sprintf("destination workspace does not exist: %s", pair.To))
	}
	if !store.UserHasPermission(dst.Workspace, caller.Caller, store.PermWrite) {
		return store.ErrorMeta(fmt.Sprintf("permission denied: %s", dst.String()))
	}

	srcObj, err := s.repo.GetObjectAt(ctx, src)
	if err != nil {
		return errorMeta(err)
	}

	// cp semantics: a destination naming an existing folder receives the
	// source under its own name. The retarget happens at most once.
	if dst.IsWorkspacePath() {
		dst.WSPath = dst.WSPath.Append(src.Name)
	} else if obj, err := s.repo.GetObjectAt(ctx, dst); err == nil && obj.IsFolder() {
		dst.WSPath = dst.WSPath.Append(src.Name)
	} else if err != nil && store.CodeOf(err) != store.ErrNotFound {
		return errorMeta(err)
	}

	if src.Workspace.UUID == dst.Workspace.UUID {
		srcFull, dstFull := src.FullPath(), dst.FullPath()
		if srcFull == dstFull {
			return store.ErrorMeta(fmt.Sprintf("source and destination are the same: %s", src.String()))
		}
		if srcObj.IsFolder() && strings.HasPrefix(dstFull, srcFull+"/") {
			return store.ErrorMeta(fmt.Sprintf("cannot copy %s into itself", src.String()))
		}
	}

	var existing *store.Object
	if obj, err := s.repo.GetObjectAt(ctx, dst); err == nil {
		existing = obj
	} else if store.CodeOf(err) != store.ErrNotFound {
		return errorMeta(err)
	}
	if existing != nil {
		if existing.IsFolder() || srcObj.IsFolder() {
			return store.ErrorMeta(fmt.Sprintf("destination exists: %s", dst.String()))
		}
		if !params.Overwrite {
			return store.ErrorMeta(fmt.Sprintf("destination exists: %s", dst.String()))
		}
	}
	if srcObj.IsFolder() && !params.Recursive {
		return store.ErrorMeta(fmt.Sprintf("%s is a folder; pass recursive", src.String()))
	}

	now := time.Now().UTC()
	if meta, ok := s.ensureIntermediates(ctx, caller, dst, now); !ok {
		return meta
	}

	if existing != nil {
		var old store.RemovalRequest
		if err := s.repo.RemoveObject(ctx, dst, existing, &old); err != nil {
			return errorMeta(err)
		}
		for _, node := range old.ShockURLs {
			rm.AddShockURL(node)
		}
		// The copy rewrites the filesystem body in place unless the source
		// is blob-backed; only then is the old body orphaned.
		if srcObj.ShockURL != "" {
			for _, path := range old.FilePaths {
				rm.AddFile(path)
			}
		}
	}

	owner := srcObj.Owner
	if !caller.AdminMode && caller.Valid {
		owner = caller.User
	}

	newObj, err := s.repo.CopyObject(ctx, srcObj, src, dst, owner, now)
	if err != nil {
		return errorMeta(err)
	}
	if srcObj.IsFolder() {
		if meta := s.copyDescendants(ctx, src, dst, owner, now); meta.Error != "" {
			return meta
		}
	}

	if params.Move {
		if srcObj.IsFolder() {
			if err := s.repo.RemoveFolderAndContents(ctx, src, srcObj, rm); err != nil {
				return errorMeta(err)
			}
		} else if err := s.repo.RemoveObject(ctx, src, srcObj, rm); err != nil {
			return errorMeta(err)
		}
		// Blob-backed moves share the node with the copy; the collected
		// node URLs are logged, never deleted.
	}

	logger.DebugCtx(ctx, "copied object",
		logger.KeyPath, src.String(), "destination", dst.String(), "move", params.Move)
	return store.ObjectMetaFor(newObj, dst.Workspace, caller.Caller)
}

// copyDescendants replicates everything beneath the already-copied folder at
// src into dst, parents before children.
func (s *Service) copyDescendants(ctx context.Context, src, dst store.ResolvedPath, owner string, now time.Time) store.ObjectMeta {
	children, err := s.repo.Backend().ListObjects(ctx, src.Workspace.UUID, src.FullPath(), true)
	if err != nil {
		return errorMeta(err)
	}
	sort.Slice(children, func(i, j int) bool {
		di := strings.Count(children[i].Path, "/")
		dj := strings.Count(children[j].Path, "/")
		if di != dj {
			return di < dj
		}
		if children[i].Path != children[j].Path {
			return children[i].Path < children[j].Path
		}
		return children[i].Name < children[j].Name
	})

	srcFull, dstFull := src.FullPath(), dst.FullPath()
	for _, child := range children {
		childSrc := src
		childSrc.Path, childSrc.Name = child.Path, child.Name

		childDst := dst
		childDst.Path = wspath.ReplacePathPrefix(child.Path, srcFull, dstFull)
		childDst.Name = child.Name

		if _, err := s.repo.CopyObject(ctx, child, childSrc, childDst, owner, now); err != nil {
			return errorMeta(err)
		}
	}
	return store.ObjectMeta{}
}
