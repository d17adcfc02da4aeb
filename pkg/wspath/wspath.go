// Package wspath implements parsing and manipulation of workspace path
// strings of the form /owner/workspace/a/b/name. Parsing is a small state
// machine and performs no I/O; resolution against stored workspaces lives in
// the store package.
package wspath

import (
	"errors"
	"strings"
)

// WSPath is the decomposed form of a workspace path string.
//
// Path is the canonical slash-joined sequence of folder names between the
// workspace and the object; "" denotes the workspace root. Name is the final
// component; an empty Name means the path addresses the workspace itself.
// Empty is true when no component at all was parsed (the bare "/" path).
type WSPath struct {
	Owner  string
	WSName string
	Path   string
	Name   string
	Empty  bool
}

// ErrInvalidPath is returned for path strings the parser cannot accept.
var ErrInvalidPath = errors.New("invalid workspace path")

// parser states
type state int

const (
	sStart state = iota
	sOwnerStart
	sOwner
	sWSNameStart
	sWSName
	sPathStart
	sPath
)

// Parse decomposes a workspace path string. Runs of '/' collapse; any of
// "/", "/owner", "/owner/ws", "/owner/ws/a/b/name" are accepted. A path that
// does not begin with '/' is rejected.
func Parse(s string) (WSPath, error) {
	var (
		cur       = sStart
		owner     strings.Builder
		wsname    strings.Builder
		component strings.Builder
		segments  []string
	)

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch cur {
		case sStart:
			if c != '/' {
				return WSPath{}, ErrInvalidPath
			}
			cur = sOwnerStart
		case sOwnerStart:
			if c != '/' {
				owner.WriteByte(c)
				cur = sOwner
			}
		case sOwner:
			if c == '/' {
				cur = sWSNameStart
			} else {
				owner.WriteByte(c)
			}
		case sWSNameStart:
			if c != '/' {
				wsname.WriteByte(c)
				cur = sWSName
			}
		case sWSName:
			if c == '/' {
				cur = sPathStart
			} else {
				wsname.WriteByte(c)
			}
		case sPathStart:
			if c != '/' {
				component.WriteByte(c)
				cur = sPath
			}
		case sPath:
			if c == '/' {
				segments = append(segments, component.String())
				component.Reset()
				cur = sPathStart
			} else {
				component.WriteByte(c)
			}
		}
	}
	if cur == sStart {
		return WSPath{}, ErrInvalidPath
	}
	if cur == sPath {
		segments = append(segments, component.String())
	}

	p := WSPath{
		Owner:  owner.String(),
		WSName: wsname.String(),
	}
	if len(segments) > 0 {
		p.Name = segments[len(segments)-1]
		p.Path = strings.Join(segments[:len(segments)-1], "/")
	}
	p.Empty = p.Owner == "" && p.WSName == "" && len(segments) == 0
	return p, nil
}

// HasValidName reports whether name is usable as a workspace or object name:
// non-empty and containing no '/'.
func HasValidName(name string) bool {
	return name != "" && !strings.ContainsRune(name, '/')
}

// FullPath returns the canonical path-plus-name of the object within its
// workspace: "a/b/name", "name" at the root, or "" for the workspace itself.
func (p WSPath) FullPath() string {
	if p.Name == "" {
		return p.Path
	}
	if p.Path == "" {
		return p.Name
	}
	return p.Path + "/" + p.Name
}

// IsWorkspacePath reports whether the path addresses the workspace itself
// rather than an object beneath it.
func (p WSPath) IsWorkspacePath() bool {
	return p.Name == ""
}

// Parent returns the WSPath of the containing folder. The workspace root is
// its own parent.
func (p WSPath) Parent() WSPath {
	parent := p
	if p.Path == "" {
		parent.Name = ""
		return parent
	}
	if i := strings.LastIndexByte(p.Path, '/'); i >= 0 {
		parent.Name = p.Path[i+1:]
		parent.Path = p.Path[:i]
	} else {
		parent.Name = p.Path
		parent.Path = ""
	}
	return parent
}

// Append returns the WSPath of a child object beneath p. p must address a
// folder (or the workspace root).
func (p WSPath) Append(name string) WSPath {
	child := p
	child.Path = p.FullPath()
	child.Name = name
	child.Empty = false
	return child
}

// ReplacePathPrefix rewrites the full-path prefix from into to within
// descendant, which must begin with from. Used by recursive copy to compute
// destination paths for an entire sub-hierarchy.
func ReplacePathPrefix(descendant, from, to string) string {
	if descendant == from {
		return to
	}
	if strings.HasPrefix(descendant, from+"/") {
		return to + descendant[len(from):]
	}
	return descendant
}

// String renders the path in /owner/workspace/... display form.
func (p WSPath) String() string {
	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(p.Owner)
	if p.WSName != "" {
		b.WriteByte('/')
		b.WriteString(p.WSName)
	}
	if fp := p.FullPath(); fp != "" {
		b.WriteByte('/')
		b.WriteString(fp)
	}
	return b.String()
}
