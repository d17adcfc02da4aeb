package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bvbrc/workspace/internal/logger"
	"github.com/bvbrc/workspace/pkg/store"
)

// UpdateMetadata mutates user metadata, type, or creation time of objects.
// Runs on the serialization lane.
func (s *Service) UpdateMetadata(ctx context.Context, caller Caller, params UpdateMetadataParams) ([]store.ObjectMeta, error) {
	results := make([]store.ObjectMeta, len(params.Objects))

	err := s.lanes.Serial.RunErr(ctx, func() error {
		for i, spec := range params.Objects {
			results[i] = s.updateMetaOne(ctx, caller, spec, params.Append)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) updateMetaOne(ctx context.Context, caller Caller, spec MetadataUpdateSpec, appendMeta bool) store.ObjectMeta {
	p, err := s.repo.ParsePath(ctx, spec.Path)
	if err != nil {
		return errorMeta(err)
	}

	upd := store.ObjectUpdate{Path: p, UserMetadata: spec.Metadata}
	if spec.Type != "" {
		typ, err := s.types.Canonical(spec.Type)
		if err != nil {
			return errorMeta(err)
		}
		upd.Type = typ
	}
	if spec.CreationTime != "" {
		t, err := time.Parse(store.TimeFormat, spec.CreationTime)
		if err != nil {
			return store.ErrorMeta(fmt.Sprintf("invalid creation time %q", spec.CreationTime))
		}
		upd.CreationTime = &t
	}

	if appendMeta && spec.Metadata != nil {
		obj, err := s.repo.GetObjectAt(ctx, p)
		if err != nil {
			return errorMeta(err)
		}
		merged := make(map[string]string, len(obj.UserMetadata)+len(spec.Metadata))
		for k, v := range obj.UserMetadata {
			merged[k] = v
		}
		for k, v := range spec.Metadata {
			merged[k] = v
		}
		upd.UserMetadata = merged
	}

	meta, err := s.repo.UpdateObjectMeta(ctx, caller.Caller, upd)
	if err != nil {
		return errorMeta(err)
	}
	return meta
}

// UpdateAutoMeta refreshes the derived metadata of objects, in particular
// the size of blob-backed objects whose upload may have completed since
// creation. Safe to call repeatedly.
func (s *Service) UpdateAutoMeta(ctx context.Context, caller Caller, params UpdateAutoMetaParams) ([]store.ObjectMeta, error) {
	results := make([]store.ObjectMeta, len(params.Objects))
	for i, raw := range params.Objects {
		results[i] = s.updateAutoOne(ctx, caller, raw)
	}
	return results, nil
}

func (s *Service) updateAutoOne(ctx context.Context, caller Caller, raw string) store.ObjectMeta {
	p, err := s.repo.ParsePath(ctx, raw)
	if err != nil {
		return errorMeta(err)
	}
	if !store.UserHasPermission(p.Workspace, caller.Caller, store.PermWrite) {
		return store.ErrorMeta(fmt.Sprintf("permission denied: %s", p.String()))
	}
	obj, err := s.repo.GetObjectAt(ctx, p)
	if err != nil {
		return errorMeta(err)
	}

	if obj.ShockURL != "" {
		if err := s.reconcileObject(ctx, obj.UUID); err != nil {
			logger.WarnCtx(ctx, "upload reconciliation failed",
				logger.KeyObjectID, obj.UUID, logger.KeyError, err)
		}
	}

	var meta store.ObjectMeta
	err = s.lanes.General.RunErr(ctx, func() error {
		m, err := s.repo.LookupObjectMeta(ctx, caller.Caller, p)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	if err != nil {
		return errorMeta(err)
	}
	return meta
}

// SetPermissions mutates the permission list of the workspace containing
// path and returns the resulting entries. Runs on the serialization lane.
func (s *Service) SetPermissions(ctx context.Context, caller Caller, params SetPermissionsParams) ([]PermissionEntry, error) {
	var out []PermissionEntry

	err := s.lanes.Serial.RunErr(ctx, func() error {
		p, err := s.repo.ParsePath(ctx, params.Path)
		if err != nil {
			return err
		}
		if !p.Resolved() {
			return store.NewNotFoundError(params.Path)
		}

		entries := make([]store.UserPermissionEntry, len(params.Permissions))
		for i, pair := range params.Permissions {
			entries[i] = store.UserPermissionEntry{
				User:       pair.User,
				Permission: store.ParsePermission(pair.Permission),
			}
		}
		global := store.ParsePermission(params.NewGlobalPermission)
		if params.NewGlobalPermission == "" {
			global = store.PermInvalid // leave unchanged
		}

		if err := s.repo.UpdatePermissions(ctx, caller.Caller, p, entries, global); err != nil {
			return err
		}

		refreshed, err := s.repo.ParsePath(ctx, params.Path)
		if err != nil || !refreshed.Resolved() {
			return store.NewNotFoundError(params.Path)
		}
		ws := refreshed.Workspace
		out = append(out, PermissionEntry{"global_permission", ws.GlobalPermission.String()})
		for _, e := range sortedUsers(ws.UserPermission) {
			out = append(out, PermissionEntry{e, ws.UserPermission[e].String()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sortedUsers(perms map[string]store.Permission) []string {
	users := make([]string, 0, len(perms))
	for user := range perms {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}
