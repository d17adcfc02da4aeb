package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bvbrc/workspace/internal/logger"
	"github.com/bvbrc/workspace/pkg/metrics"
	"github.com/bvbrc/workspace/pkg/service"
)

// DownloadHandler serves GET /dl/{key}/{name}: single-use ticketed downloads
// of object bodies, either straight off the filesystem or relayed from the
// blob store.
type DownloadHandler struct {
	svc     *service.Service
	metrics metrics.RPCMetrics
}

// NewDownloadHandler builds the handler.
func NewDownloadHandler(svc *service.Service, m metrics.RPCMetrics) *DownloadHandler {
	return &DownloadHandler{svc: svc, metrics: m}
}

func (h *DownloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	name := chi.URLParam(r, "name")

	ticket, err := h.svc.Repository().LookupDownload(r.Context(), key, time.Now())
	if err != nil {
		http.NotFound(w, r)
		return
	}
	// The name in the URL must match the ticket; a ticket is not a capability
	// to probe other objects.
	if name != ticket.Name {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", ticket.Name))

	if ticket.FilePath != "" {
		h.serveFile(w, r, ticket.FilePath, ticket.Size)
		return
	}
	h.relayShock(w, r, ticket.ShockNode, ticket.Token)
}

func (h *DownloadHandler) serveFile(w http.ResponseWriter, r *http.Request, path string, size int64) {
	f, err := os.Open(path)
	if err != nil {
		logger.WarnCtx(r.Context(), "download body missing", logger.KeyPath, path, logger.KeyError, err)
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	n, err := io.Copy(w, f)
	if err != nil {
		logger.DebugCtx(r.Context(), "download interrupted", logger.KeyPath, path, logger.KeyError, err)
	}
	if h.metrics != nil {
		h.metrics.RecordDownload("file", n)
	}
}

func (h *DownloadHandler) relayShock(w http.ResponseWriter, r *http.Request, nodeURL, token string) {
	client := h.svc.Shock()
	if client == nil {
		http.NotFound(w, r)
		return
	}
	body, size, err := client.Download(r.Context(), nodeURL, token)
	if err != nil {
		logger.WarnCtx(r.Context(), "blob relay failed", logger.KeyShockURL, nodeURL, logger.KeyError, err)
		http.NotFound(w, r)
		return
	}
	defer body.Close()

	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	n, err := io.Copy(w, body)
	if err != nil {
		logger.DebugCtx(r.Context(), "blob relay interrupted", logger.KeyShockURL, nodeURL, logger.KeyError, err)
	}
	if h.metrics != nil {
		h.metrics.RecordDownload("shock", n)
	}
}
