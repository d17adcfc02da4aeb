package store

import "fmt"

// ErrorCode classifies repository failures so callers can map them to
// per-object error metadata or RPC-level errors.
type ErrorCode int

const (
	ErrUnknown ErrorCode = iota
	ErrNotFound
	ErrAlreadyExists
	ErrPermissionDenied
	ErrNotEmpty
	ErrIsFolder
	ErrNotFolder
	ErrInvalidArgument
	ErrIO
	ErrExpired
)

// WorkspaceError is the typed error returned by repository operations.
type WorkspaceError struct {
	Code ErrorCode
	Path string
	Msg  string
	Err  error
}

func (e *WorkspaceError) Error() string {
	msg := e.Msg
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Msg, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *WorkspaceError) Unwrap() error { return e.Err }

// Is allows errors.Is comparisons against sentinel *WorkspaceError values by
// code alone.
func (e *WorkspaceError) Is(target error) bool {
	t, ok := target.(*WorkspaceError)
	return ok && t.Code == e.Code
}

// CodeOf extracts the ErrorCode from err, or ErrUnknown.
func CodeOf(err error) ErrorCode {
	if we, ok := err.(*WorkspaceError); ok {
		return we.Code
	}
	return ErrUnknown
}

func NewNotFoundError(path string) *WorkspaceError {
	return &WorkspaceError{Code: ErrNotFound, Path: path, Msg: "not found"}
}

func NewAlreadyExistsError(path string) *WorkspaceError {
	return &WorkspaceError{Code: ErrAlreadyExists, Path: path, Msg: "object already exists"}
}

func NewPermissionDeniedError(path string) *WorkspaceError {
	return &WorkspaceError{Code: ErrPermissionDenied, Path: path, Msg: "permission denied"}
}

func NewNotEmptyError(path string) *WorkspaceError {
	return &WorkspaceError{Code: ErrNotEmpty, Path: path, Msg: "folder not empty"}
}

func NewIsFolderError(path string) *WorkspaceError {
	return &WorkspaceError{Code: ErrIsFolder, Path: path, Msg: "object is a folder"}
}

func NewNotFolderError(path string) *WorkspaceError {
	return &WorkspaceError{Code: ErrNotFolder, Path: path, Msg: "object is not a folder"}
}

func NewInvalidArgumentError(msg string) *WorkspaceError {
	return &WorkspaceError{Code: ErrInvalidArgument, Msg: msg}
}

func NewIOError(path string, err error) *WorkspaceError {
	return &WorkspaceError{Code: ErrIO, Path: path, Msg: "i/o failure", Err: err}
}

func NewExpiredError(msg string) *WorkspaceError {
	return &WorkspaceError{Code: ErrExpired, Msg: msg}
}
