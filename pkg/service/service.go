package service

import (
	"context"
	"os"
	"time"

	"github.com/bvbrc/workspace/internal/logger"
	"github.com/bvbrc/workspace/pkg/auth"
	"github.com/bvbrc/workspace/pkg/metrics"
	"github.com/bvbrc/workspace/pkg/shock"
	"github.com/bvbrc/workspace/pkg/store"
)

// Options carries the service tunables.
type Options struct {
	DownloadLifetime  time.Duration
	DownloadURLBase   string
	MaxInlineData     int64
	ReconcileInterval time.Duration
}

// Service implements the workspace methods over the repository, the blob
// store, and the execution lanes.
type Service struct {
	repo    *store.Repository
	shock   *shock.Client // nil when no blob store is configured
	tokens  auth.TokenSource
	lanes   *Lanes
	pending *PendingUploads
	types   *TypeRegistry
	opts    Options
	metrics metrics.RPCMetrics
}

// New assembles a Service. shockClient and tokens may be nil; upload nodes
// and blob downloads are then rejected.
func New(repo *store.Repository, shockClient *shock.Client, tokens auth.TokenSource, lanes *Lanes, types *TypeRegistry, opts Options, m metrics.RPCMetrics) *Service {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 5 * time.Second
	}
	if types == nil {
		types = &TypeRegistry{}
	}
	return &Service{
		repo:    repo,
		shock:   shockClient,
		tokens:  tokens,
		lanes:   lanes,
		pending: NewPendingUploads(),
		types:   types,
		opts:    opts,
		metrics: m,
	}
}

// Repository exposes the underlying repository, used by the download
// endpoint.
func (s *Service) Repository() *store.Repository { return s.repo }

// Shock exposes the blob client, used by the download endpoint for relays.
func (s *Service) Shock() *shock.Client { return s.shock }

// serviceToken fetches the service's own bearer token for blob-store calls
// made on the service's authority.
func (s *Service) serviceToken(ctx context.Context) (auth.Token, error) {
	if s.tokens == nil {
		return auth.Token{}, store.NewInvalidArgumentError("no service credential configured")
	}
	return s.tokens.ServiceToken(ctx)
}

// errorMeta renders a repository error as per-object error metadata. Only
// envelope and auth failures abort a whole request.
func errorMeta(err error) store.ObjectMeta {
	return store.ErrorMeta(err.Error())
}

// scheduleRemoval executes a removal request out of band on the blob lane.
// The database is already authoritative; body cleanup is best effort.
func (s *Service) scheduleRemoval(rm *store.RemovalRequest) {
	if rm.Empty() {
		return
	}
	files := append([]string(nil), rm.FilePaths...)
	nodes := append([]string(nil), rm.ShockURLs...)
	go func() {
		_ = s.lanes.Blob.Run(context.Background(), func() {
			for _, path := range files {
				if err := os.RemoveAll(path); err != nil {
					logger.Warn("body cleanup failed", logger.KeyPath, path, logger.KeyError, err)
				}
			}
			for _, node := range nodes {
				// Node refcounts are not tracked; copies may still
				// reference the blob.
				logger.Debug("blob node left for external cleanup", logger.KeyShockURL, node)
			}
		})
	}()
}

func (s *Service) pendingGauge() {
	if s.metrics != nil {
		s.metrics.SetPendingUploads(s.pending.Len())
	}
}
