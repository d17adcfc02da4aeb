package service

import (
	"context"
	"fmt"

	"github.com/bvbrc/workspace/internal/logger"
	"github.com/bvbrc/workspace/pkg/store"
)

// Delete removes objects. Folders require deleteDirectories; non-empty
// folders additionally require force. Each result is the metadata the object
// had before removal.
func (s *Service) Delete(ctx context.Context, caller Caller, params DeleteParams) ([]store.ObjectMeta, error) {
	results := make([]store.ObjectMeta, len(params.Objects))
	var rm store.RemovalRequest

	err := s.lanes.General.RunErr(ctx, func() error {
		for i, path := range params.Objects {
			results[i] = s.deleteOne(ctx, caller, path, &params, &rm)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.scheduleRemoval(&rm)
	return results, nil
}

func (s *Service) deleteOne(ctx context.Context, caller Caller, path string, params *DeleteParams, rm *store.RemovalRequest) store.ObjectMeta {
	p, err := s.repo.ParsePath(ctx, path)
	if err != nil {
		return errorMeta(err)
	}
	if !p.Resolved() {
		return store.ErrorMeta(fmt.Sprintf("not found: %s", path))
	}
	if p.IsWorkspacePath() {
		return store.ErrorMeta(fmt.Sprintf("cannot delete a workspace: %s", p.String()))
	}
	if !store.UserHasPermission(p.Workspace, caller.Caller, store.PermWrite) {
		return store.ErrorMeta(fmt.Sprintf("permission denied: %s", p.String()))
	}

	obj, err := s.repo.GetObjectAt(ctx, p)
	if err != nil {
		return errorMeta(err)
	}
	meta := store.ObjectMetaFor(obj, p.Workspace, caller.Caller)

	if obj.IsFolder() {
		if !params.DeleteDirectories {
			return store.ErrorMeta(fmt.Sprintf("%s is a folder; pass deleteDirectories", p.String()))
		}
		if params.Force {
			if err := s.repo.RemoveFolderAndContents(ctx, p, obj, rm); err != nil {
				return errorMeta(err)
			}
		} else {
			empty, err := s.repo.FolderIsEmpty(ctx, p)
			if err != nil {
				return errorMeta(err)
			}
			if !empty {
				return store.ErrorMeta(fmt.Sprintf("folder not empty: %s", p.String()))
			}
			if err := s.repo.RemoveObject(ctx, p, obj, rm); err != nil {
				return errorMeta(err)
			}
		}
	} else if err := s.repo.RemoveObject(ctx, p, obj, rm); err != nil {
		return errorMeta(err)
	}

	logger.DebugCtx(ctx, "deleted object", logger.KeyPath, p.String())
	return meta
}
