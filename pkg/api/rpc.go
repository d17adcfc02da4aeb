package api

import (
	"encoding/json"
	"net/http"
)

// JSON-RPC error codes. CodeAuthRequired is the legacy non-standard code the
// workspace clients expect when a required token fails validation.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeAuthRequired   = 503
)

// Request is a decoded JSON-RPC 2.0 request. Params carries a single-element
// array holding the parameter object.
type Request struct {
	Version string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// ParamObject returns the parameter object of the request, or an empty
// object when params was omitted.
func (r *Request) ParamObject() json.RawMessage {
	if len(r.Params) == 0 {
		return json.RawMessage("{}")
	}
	return r.Params[0]
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// NewError builds an error object.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

type response struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// httpStatusFor maps a JSON-RPC error to the HTTP status the workspace
// clients expect: 403 for auth failures, 500 for everything else.
func httpStatusFor(e *Error) int {
	if e == nil {
		return http.StatusOK
	}
	if e.Code == CodeAuthRequired {
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func writeResponse(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *Error) {
	if id == nil {
		id = json.RawMessage("null")
	}
	resp := response{Version: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		resp.Result = result
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(rpcErr))
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, `{"jsonrpc":"2.0","error":{"code":-32603,"message":"response encoding failed"}}`,
			http.StatusInternalServerError)
	}
}
