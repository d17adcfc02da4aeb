// Package api implements the HTTP front end of the workspace service: the
// JSON-RPC dispatcher, the ticketed download endpoint, and the server
// wrapper with graceful shutdown.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bvbrc/workspace/internal/logger"
	"github.com/bvbrc/workspace/pkg/auth"
	"github.com/bvbrc/workspace/pkg/metrics"
	"github.com/bvbrc/workspace/pkg/service"
)

// serviceName prefixes every method on the wire: "Workspace.create" etc.
const serviceName = "Workspace"

// authPolicy governs token handling per method.
type authPolicy int

const (
	// authNone ignores any presented token.
	authNone authPolicy = iota
	// authOptional validates a presented token but downgrades to anonymous
	// on failure.
	authOptional
	// authRequired rejects the request when the token is absent or fails
	// validation.
	authRequired
)

// TokenValidator verifies a parsed token's signature against its signer.
type TokenValidator interface {
	Validate(ctx context.Context, tok *auth.Token) bool
}

type methodEntry struct {
	policy  authPolicy
	handler func(d *Dispatcher, ctx context.Context, caller service.Caller, params json.RawMessage) (any, *Error)
}

// Dispatcher routes JSON-RPC requests to the workspace service methods.
type Dispatcher struct {
	svc     *service.Service
	certs   TokenValidator
	isAdmin func(user string) bool
	metrics metrics.RPCMetrics
	methods map[string]methodEntry
}

// NewDispatcher builds the dispatcher with the full method table. certs may
// be nil, in which case every token is treated as invalid; isAdmin may be
// nil, disabling admin elevation.
func NewDispatcher(svc *service.Service, certs TokenValidator, isAdmin func(string) bool, m metrics.RPCMetrics) *Dispatcher {
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	d := &Dispatcher{svc: svc, certs: certs, isAdmin: isAdmin, metrics: m}
	d.methods = map[string]methodEntry{
		"ls":                  {authOptional, (*Dispatcher).handleLs},
		"get":                 {authOptional, (*Dispatcher).handleGet},
		"list_permissions":    {authOptional, (*Dispatcher).handleListPermissions},
		"get_download_url":    {authOptional, (*Dispatcher).handleGetDownloadURL},
		"create":              {authRequired, (*Dispatcher).handleCreate},
		"delete":              {authRequired, (*Dispatcher).handleDelete},
		"copy":                {authRequired, (*Dispatcher).handleCopy},
		"set_permissions":     {authRequired, (*Dispatcher).handleSetPermissions},
		"update_metadata":     {authRequired, (*Dispatcher).handleUpdateMetadata},
		"update_auto_meta":    {authRequired, (*Dispatcher).handleUpdateAutoMeta},
	}
	return d
}

// ServeHTTP handles POST <api-root>.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeResponse(w, nil, nil, NewError(CodeParseError, "reading request body failed"))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, nil, nil, NewError(CodeParseError, "invalid JSON"))
		return
	}
	if req.Method == "" {
		writeResponse(w, req.ID, nil, NewError(CodeInvalidRequest, "missing method"))
		return
	}

	svcName, method, ok := strings.Cut(req.Method, ".")
	if !ok || svcName != serviceName {
		writeResponse(w, req.ID, nil, NewError(CodeMethodNotFound, "unknown method "+req.Method))
		return
	}
	entry, ok := d.methods[method]
	if !ok {
		writeResponse(w, req.ID, nil, NewError(CodeMethodNotFound, "unknown method "+req.Method))
		return
	}

	ctx := r.Context()
	caller, rpcErr := d.authenticate(ctx, r, entry.policy, req.ParamObject())
	if rpcErr != nil {
		writeResponse(w, req.ID, nil, rpcErr)
		return
	}

	start := time.Now()
	if d.metrics != nil {
		d.metrics.RecordRequestStart(method)
	}
	result, rpcErr := entry.handler(d, ctx, caller, req.ParamObject())
	if d.metrics != nil {
		d.metrics.RecordRequestEnd(method)
		code := ""
		if rpcErr != nil {
			code = strconv.Itoa(rpcErr.Code)
		}
		d.metrics.RecordRequest(method, time.Since(start), code)
	}

	logger.InfoCtx(ctx, "rpc",
		logger.KeyMethod, method,
		logger.KeyCaller, caller.User,
		logger.KeyAdminMode, caller.AdminMode,
		logger.KeyElapsed, time.Since(start).String())
	writeResponse(w, req.ID, result, rpcErr)
}

// maxRequestBody bounds a single RPC body. Large object bodies go through
// upload nodes, not inline data.
const maxRequestBody = 256 << 20

// authenticate applies the method's auth policy and the adminmode elevation
// gate to the request's bearer token.
func (d *Dispatcher) authenticate(ctx context.Context, r *http.Request, policy authPolicy, params json.RawMessage) (service.Caller, *Error) {
	if policy == authNone {
		return service.CallerFor(auth.Token{}, false), nil
	}

	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	raw = strings.TrimPrefix(raw, "OAuth ")
	tok := auth.ParseToken(raw)

	if tok.Valid() {
		if tok.IsExpired() || d.certs == nil || !d.certs.Validate(ctx, &tok) {
			tok.Invalidate()
		}
	}
	if !tok.Valid() && policy == authRequired {
		return service.Caller{}, NewError(CodeAuthRequired, "authentication required")
	}

	adminMode := false
	if tok.Valid() {
		var flags struct {
			AdminMode bool `json:"adminmode"`
		}
		_ = json.Unmarshal(params, &flags)
		if flags.AdminMode {
			adminMode = d.isAdmin(tok.User())
			if adminMode {
				logger.InfoCtx(ctx, "admin mode enabled", logger.KeyCaller, tok.User())
			} else {
				logger.WarnCtx(ctx, "admin mode refused", logger.KeyCaller, tok.User())
			}
		}
	}
	return service.CallerFor(tok, adminMode), nil
}

func decodeParams[T any](raw json.RawMessage) (T, *Error) {
	var params T
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(&params); err != nil {
		return params, NewError(CodeInvalidParams, "invalid params: "+err.Error())
	}
	return params, nil
}

func (d *Dispatcher) handleLs(ctx context.Context, caller service.Caller, raw json.RawMessage) (any, *Error) {
	params, rpcErr := decodeParams[service.LsParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	res, err := d.svc.Ls(ctx, caller, params)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	out := make(map[string][]service.WireMeta, len(res))
	for path, metas := range res {
		out[path] = service.WireMetas(metas)
	}
	return out, nil
}

func (d *Dispatcher) handleGet(ctx context.Context, caller service.Caller, raw json.RawMessage) (any, *Error) {
	params, rpcErr := decodeParams[service.GetParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	res, err := d.svc.Get(ctx, caller, params)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	return res, nil
}

func (d *Dispatcher) handleCreate(ctx context.Context, caller service.Caller, raw json.RawMessage) (any, *Error) {
	params, rpcErr := decodeParams[service.CreateParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	metas, err := d.svc.Create(ctx, caller, params)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	return service.WireMetas(metas), nil
}

func (d *Dispatcher) handleDelete(ctx context.Context, caller service.Caller, raw json.RawMessage) (any, *Error) {
	params, rpcErr := decodeParams[service.DeleteParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	metas, err := d.svc.Delete(ctx, caller, params)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	return service.WireMetas(metas), nil
}

func (d *Dispatcher) handleCopy(ctx context.Context, caller service.Caller, raw json.RawMessage) (any, *Error) {
	params, rpcErr := decodeParams[service.CopyParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	metas, err := d.svc.Copy(ctx, caller, params)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	return service.WireMetas(metas), nil
}

func (d *Dispatcher) handleListPermissions(ctx context.Context, caller service.Caller, raw json.RawMessage) (any, *Error) {
	params, rpcErr := decodeParams[service.ListPermissionsParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	res, err := d.svc.ListPermissions(ctx, caller, params)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	return res, nil
}

func (d *Dispatcher) handleSetPermissions(ctx context.Context, caller service.Caller, raw json.RawMessage) (any, *Error) {
	params, rpcErr := decodeParams[service.SetPermissionsParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	entries, err := d.svc.SetPermissions(ctx, caller, params)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	return entries, nil
}

func (d *Dispatcher) handleGetDownloadURL(ctx context.Context, caller service.Caller, raw json.RawMessage) (any, *Error) {
	params, rpcErr := decodeParams[service.GetDownloadURLParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	urls, err := d.svc.GetDownloadURL(ctx, caller, params)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	return urls, nil
}

func (d *Dispatcher) handleUpdateMetadata(ctx context.Context, caller service.Caller, raw json.RawMessage) (any, *Error) {
	params, rpcErr := decodeParams[service.UpdateMetadataParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	metas, err := d.svc.UpdateMetadata(ctx, caller, params)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	return service.WireMetas(metas), nil
}

func (d *Dispatcher) handleUpdateAutoMeta(ctx context.Context, caller service.Caller, raw json.RawMessage) (any, *Error) {
	params, rpcErr := decodeParams[service.UpdateAutoMetaParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	metas, err := d.svc.UpdateAutoMeta(ctx, caller, params)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	return service.WireMetas(metas), nil
}
