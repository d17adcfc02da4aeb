package store

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// fsTreeName is the directory under the configured base that holds all
// workspace object bodies.
const fsTreeName = "P3WSDB"

// FilesystemBase wraps the root of the filesystem backing store and derives
// per-object body paths: <base>/P3WSDB/<owner>/<wsname>/<path>/<name>.
type FilesystemBase struct {
	root string
}

// NewFilesystemBase creates the base rooted at dir.
func NewFilesystemBase(dir string) FilesystemBase {
	return FilesystemBase{root: dir}
}

// Root returns the configured base directory.
func (f FilesystemBase) Root() string { return f.root }

// WorkspaceRoot returns the directory backing a workspace.
func (f FilesystemBase) WorkspaceRoot(owner, wsname string) string {
	return filepath.Join(f.root, fsTreeName, owner, wsname)
}

// PathForObject returns the body path for the object addressed by p.
func (f FilesystemBase) PathForObject(p ResolvedPath) string {
	return filepath.Join(f.WorkspaceRoot(p.Owner, p.WSName), filepath.FromSlash(p.Path), p.Name)
}

// MkdirWorkspace creates a workspace's root directory. Creation is
// idempotent.
func (f FilesystemBase) MkdirWorkspace(owner, wsname string) error {
	dir := f.WorkspaceRoot(owner, wsname)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewIOError(dir, err)
	}
	return nil
}

// MkdirObject creates the directory backing a folder object.
func (f FilesystemBase) MkdirObject(p ResolvedPath) error {
	dir := f.PathForObject(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewIOError(dir, err)
	}
	return nil
}

// WriteObjectBody writes an object body atomically (write to a temporary
// file, then rename into place) so readers never observe a partial body.
func (f FilesystemBase) WriteObjectBody(p ResolvedPath, data []byte) error {
	target := f.PathForObject(p)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return NewIOError(target, err)
	}
	if err := renameio.WriteFile(target, data, 0o644); err != nil {
		return NewIOError(target, err)
	}
	return nil
}

// ReadObjectBody reads an object body into memory for inline responses.
func (f FilesystemBase) ReadObjectBody(p ResolvedPath) ([]byte, error) {
	target := f.PathForObject(p)
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewNotFoundError(target)
		}
		return nil, NewIOError(target, err)
	}
	return data, nil
}

// CopyObjectBody copies the body file from src to dst atomically.
func (f FilesystemBase) CopyObjectBody(src, dst ResolvedPath) error {
	from := f.PathForObject(src)
	in, err := os.Open(from)
	if err != nil {
		if os.IsNotExist(err) {
			return NewNotFoundError(from)
		}
		return NewIOError(from, err)
	}
	defer in.Close()

	target := f.PathForObject(dst)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return NewIOError(target, err)
	}
	t, err := renameio.TempFile("", target)
	if err != nil {
		return NewIOError(target, err)
	}
	defer t.Cleanup()

	if _, err := io.Copy(t, in); err != nil {
		return NewIOError(target, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return NewIOError(target, err)
	}
	return nil
}
