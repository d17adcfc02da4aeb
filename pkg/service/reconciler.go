package service

import (
	"context"
	"time"

	"github.com/bvbrc/workspace/internal/logger"
)

// StartReconciler launches the background loop that polls pending upload
// nodes and records completed uploads. It returns immediately; the loop
// stops when ctx is canceled.
func (s *Service) StartReconciler(ctx context.Context) {
	if s.shock == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(s.opts.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if s.pending.Len() == 0 {
				continue
			}
			if err := s.lanes.Blob.RunErr(ctx, func() error {
				s.reconcile(ctx)
				return nil
			}); err != nil {
				return
			}
		}
	}()
}

type completedUpload struct {
	objectID string
	size     int64
}

// reconcile polls every pending node once. Runs on the blob lane. The size
// flush posts to the serialization lane fire-and-forget: the serialization
// lane waits on the blob lane during create, so the blob lane must never
// wait on it.
func (s *Service) reconcile(ctx context.Context) {
	var done []completedUpload
	for _, e := range s.pending.snapshot() {
		node, err := s.shock.GetNode(ctx, e.token, e.shockURL)
		if err != nil {
			logger.DebugCtx(ctx, "upload node poll failed",
				logger.KeyObjectID, e.objectID, logger.KeyShockURL, e.shockURL, logger.KeyError, err)
			continue
		}
		if !node.UploadComplete() {
			continue
		}
		done = append(done, completedUpload{objectID: e.objectID, size: node.File.Size})
	}
	if len(done) == 0 {
		return
	}
	go func() {
		_ = s.lanes.Serial.Run(context.Background(), func() {
			s.flushCompleted(context.Background(), done)
		})
	}()
}

// flushCompleted records the final sizes of completed uploads and drops them
// from the pending set. Runs on the serialization lane.
func (s *Service) flushCompleted(ctx context.Context, done []completedUpload) {
	ids := make([]string, 0, len(done))
	for _, c := range done {
		if err := s.repo.SetObjectSize(ctx, c.objectID, c.size); err != nil {
			logger.WarnCtx(ctx, "size flush failed",
				logger.KeyObjectID, c.objectID, logger.KeyError, err)
			continue
		}
		ids = append(ids, c.objectID)
		logger.InfoCtx(ctx, "upload complete",
			logger.KeyObjectID, c.objectID, logger.KeySize, c.size)
	}
	s.pending.remove(ids)
	s.pendingGauge()
}

// reconcileObject reconciles a single pending upload on demand. The caller
// must be a request goroutine, not a lane worker: both lane posts wait.
func (s *Service) reconcileObject(ctx context.Context, objectID string) error {
	e, ok := s.pending.get(objectID)
	if !ok || s.shock == nil {
		return nil
	}
	var done []completedUpload
	err := s.lanes.Blob.RunErr(ctx, func() error {
		node, err := s.shock.GetNode(ctx, e.token, e.shockURL)
		if err != nil {
			return err
		}
		if node.UploadComplete() {
			done = append(done, completedUpload{objectID: e.objectID, size: node.File.Size})
		}
		return nil
	})
	if err != nil || len(done) == 0 {
		return err
	}
	return s.lanes.Serial.Run(ctx, func() {
		s.flushCompleted(ctx, done)
	})
}
