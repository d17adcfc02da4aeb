package logger

// Standard field keys for structured logging. Use these consistently so logs
// can be aggregated and queried across the service.
const (
	// Request
	KeyRequestID  = "request_id"
	KeyMethod     = "method"
	KeyCaller     = "caller"
	KeyRemoteAddr = "remote_addr"
	KeyAdminMode  = "admin_mode"
	KeyElapsed    = "elapsed"

	// Workspace objects
	KeyPath      = "path"
	KeyWorkspace = "workspace"
	KeyOwner     = "owner"
	KeyObjectID  = "object_id"
	KeyType      = "type"
	KeySize      = "size"

	// Blob store
	KeyShockURL = "shock_url"
	KeyNodeID   = "node_id"

	// Misc
	KeyError = "error"
	KeyLane  = "lane"
)
