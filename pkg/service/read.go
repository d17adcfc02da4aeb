package service

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bvbrc/workspace/internal/logger"
	"github.com/bvbrc/workspace/pkg/store"
)

// Ls lists workspaces and folder contents. The result maps each input path
// to its listing; a path that cannot be resolved or read maps to an empty
// list rather than failing the batch.
func (s *Service) Ls(ctx context.Context, caller Caller, params LsParams) (map[string][]store.ObjectMeta, error) {
	out := make(map[string][]store.ObjectMeta, len(params.Paths))

	err := s.lanes.General.RunErr(ctx, func() error {
		for _, raw := range params.Paths {
			out[raw] = s.lsOne(ctx, caller, raw, &params)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) lsOne(ctx context.Context, caller Caller, raw string, params *LsParams) []store.ObjectMeta {
	p, err := s.repo.ParsePath(ctx, raw)
	if err != nil {
		return []store.ObjectMeta{}
	}

	var metas []store.ObjectMeta
	switch {
	case p.Empty:
		metas, err = s.repo.ListWorkspaces(ctx, caller.Caller, "")
	case p.WSName == "":
		metas, err = s.repo.ListWorkspaces(ctx, caller.Caller, p.Owner)
	default:
		metas, err = s.repo.ListObjects(ctx, caller.Caller, p, store.ListOptions{
			ExcludeDirectories: params.ExcludeDirectories,
			ExcludeObjects:     params.ExcludeObjects,
			Recursive:          params.Recursive,
		})
	}
	if err != nil {
		return []store.ObjectMeta{}
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Path != metas[j].Path {
			return metas[i].Path < metas[j].Path
		}
		return metas[i].Name < metas[j].Name
	})
	return metas
}

// Get returns object metadata and, unless metadataOnly is set, the object
// body. Filesystem bodies come back inline; blob-backed objects come back
// with their node URL in the metadata and, for authenticated callers, a node
// ACL grant so the caller can fetch the body directly.
func (s *Service) Get(ctx context.Context, caller Caller, params GetParams) ([]GetResult, error) {
	results := make([]GetResult, len(params.Objects))
	type aclGrant struct{ nodeURL string }
	var grants []aclGrant

	err := s.lanes.General.RunErr(ctx, func() error {
		for i, raw := range params.Objects {
			p, err := s.repo.ParsePath(ctx, raw)
			if err != nil {
				results[i] = GetResult{Meta: errorMeta(err)}
				continue
			}
			meta, err := s.repo.LookupObjectMeta(ctx, caller.Caller, p)
			if err != nil {
				results[i] = GetResult{Meta: errorMeta(err)}
				continue
			}
			results[i] = GetResult{Meta: meta}
			if params.MetadataOnly || !meta.Valid || store.IsFolderType(meta.Type) {
				continue
			}
			if meta.ShockURL != "" {
				if caller.Valid {
					grants = append(grants, aclGrant{nodeURL: meta.ShockURL})
				}
				continue
			}
			body, err := s.repo.Filesystem().ReadObjectBody(p)
			if err != nil {
				if store.CodeOf(err) == store.ErrNotFound {
					continue // zero-length body was never materialized
				}
				results[i] = GetResult{Meta: errorMeta(err)}
				continue
			}
			results[i].Data = string(body)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(grants) > 0 && s.shock != nil {
		grantErr := s.lanes.Blob.RunErr(ctx, func() error {
			svc, err := s.serviceToken(ctx)
			if err != nil {
				return err
			}
			for _, g := range grants {
				if err := s.shock.AddACLUser(ctx, g.nodeURL, svc.Raw(), caller.User); err != nil {
					logger.WarnCtx(ctx, "node acl grant failed",
						logger.KeyShockURL, g.nodeURL, logger.KeyCaller, caller.User, logger.KeyError, err)
				}
			}
			return nil
		})
		if grantErr != nil {
			logger.WarnCtx(ctx, "node acl grants skipped", logger.KeyError, grantErr)
		}
	}
	return results, nil
}

// PermissionEntry is a [user, permission] wire pair. The first entry of every
// listing is ["global_permission", p].
type PermissionEntry [2]string

// ListPermissions returns, for each input path, the permission entries of
// its workspace.
func (s *Service) ListPermissions(ctx context.Context, caller Caller, params ListPermissionsParams) (map[string][]PermissionEntry, error) {
	out := make(map[string][]PermissionEntry, len(params.Objects))

	err := s.lanes.General.RunErr(ctx, func() error {
		for _, raw := range params.Objects {
			p, err := s.repo.ParsePath(ctx, raw)
			if err != nil || !p.Resolved() {
				out[raw] = []PermissionEntry{}
				continue
			}
			if !store.UserHasPermission(p.Workspace, caller.Caller, store.PermRead) {
				out[raw] = []PermissionEntry{}
				continue
			}
			ws := p.Workspace
			entries := []PermissionEntry{{"global_permission", ws.GlobalPermission.String()}}
			for _, user := range sortedUsers(ws.UserPermission) {
				entries = append(entries, PermissionEntry{user, ws.UserPermission[user].String()})
			}
			out[raw] = entries
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetDownloadURL mints single-use download tickets and returns one URL per
// input path, or the empty string for a path that cannot be ticketed. Tickets
// for blob-backed objects carry the caller's token, so the caller is also
// granted on each node ACL; the node only knows its creator otherwise.
func (s *Service) GetDownloadURL(ctx context.Context, caller Caller, params GetDownloadURLParams) ([]string, error) {
	urls := make([]string, len(params.Objects))
	var nodeURLs []string

	err := s.lanes.General.RunErr(ctx, func() error {
		for i, raw := range params.Objects {
			url, nodeURL, err := s.downloadURLFor(ctx, caller, raw)
			if err != nil {
				logger.DebugCtx(ctx, "download ticket refused",
					logger.KeyPath, raw, logger.KeyError, err)
				continue
			}
			urls[i] = url
			if nodeURL != "" && caller.Valid {
				nodeURLs = append(nodeURLs, nodeURL)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(nodeURLs) > 0 && s.shock != nil {
		grantErr := s.lanes.Blob.RunErr(ctx, func() error {
			svc, err := s.serviceToken(ctx)
			if err != nil {
				return err
			}
			for _, nodeURL := range nodeURLs {
				if err := s.shock.AddACLUser(ctx, nodeURL, svc.Raw(), caller.User); err != nil {
					logger.WarnCtx(ctx, "node acl grant failed",
						logger.KeyShockURL, nodeURL, logger.KeyCaller, caller.User, logger.KeyError, err)
				}
			}
			return nil
		})
		if grantErr != nil {
			logger.WarnCtx(ctx, "node acl grants skipped", logger.KeyError, grantErr)
		}
	}
	return urls, nil
}

func (s *Service) downloadURLFor(ctx context.Context, caller Caller, raw string) (url, nodeURL string, err error) {
	p, err := s.repo.ParsePath(ctx, raw)
	if err != nil {
		return "", "", err
	}
	meta, err := s.repo.LookupObjectMeta(ctx, caller.Caller, p)
	if err != nil {
		return "", "", err
	}
	if !meta.Valid || p.IsWorkspacePath() {
		return "", "", store.NewNotFoundError(raw)
	}
	obj, err := s.repo.GetObjectAt(ctx, p)
	if err != nil {
		return "", "", err
	}

	token := ""
	if obj.ShockURL != "" {
		// The relay needs a token the node accepts: the caller's own when
		// present, the service's otherwise.
		if caller.Valid {
			token = caller.Token.Raw()
		} else {
			svc, err := s.serviceToken(ctx)
			if err != nil {
				return "", "", err
			}
			token = svc.Raw()
		}
	}
	ticket, err := s.repo.CreateDownload(ctx, p, obj, s.opts.DownloadLifetime, token, time.Now().UTC())
	if err != nil {
		return "", "", err
	}
	return s.downloadURL(ticket), obj.ShockURL, nil
}

func (s *Service) downloadURL(ticket *store.DownloadTicket) string {
	base := strings.TrimRight(s.opts.DownloadURLBase, "/")
	if base == "" {
		base = "/dl"
	}
	return fmt.Sprintf("%s/%s/%s", base, ticket.DownloadKey, url.PathEscape(ticket.Name))
}
