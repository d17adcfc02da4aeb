package wspath

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  WSPath
	}{
		{
			name:  "root",
			input: "/",
			want:  WSPath{Empty: true},
		},
		{
			name:  "owner only",
			input: "/alice",
			want:  WSPath{Owner: "alice"},
		},
		{
			name:  "workspace only",
			input: "/alice/docs",
			want:  WSPath{Owner: "alice", WSName: "docs"},
		},
		{
			name:  "workspace trailing slash",
			input: "/alice/docs/",
			want:  WSPath{Owner: "alice", WSName: "docs"},
		},
		{
			name:  "object at root",
			input: "/alice/docs/a.txt",
			want:  WSPath{Owner: "alice", WSName: "docs", Name: "a.txt"},
		},
		{
			name:  "nested object",
			input: "/alice/docs/x/y/z.txt",
			want:  WSPath{Owner: "alice", WSName: "docs", Path: "x/y", Name: "z.txt"},
		},
		{
			name:  "duplicate slashes collapse",
			input: "//alice///docs//x//z.txt",
			want:  WSPath{Owner: "alice", WSName: "docs", Path: "x", Name: "z.txt"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, input := range []string{"", "alice/docs", "x"} {
		_, err := Parse(input)
		assert.ErrorIs(t, err, ErrInvalidPath, "input %q", input)
	}
}

func TestFullPathCanonical(t *testing.T) {
	// No leading, trailing, or duplicated slashes in any parsed full path.
	inputs := []string{
		"/a/b/c", "/a/b/c/d/e", "//a//b//c//", "/a/b", "/a", "/",
	}
	for _, in := range inputs {
		p, err := Parse(in)
		require.NoError(t, err)
		fp := p.FullPath()
		assert.False(t, strings.HasPrefix(fp, "/"), "leading slash in %q", fp)
		assert.False(t, strings.HasSuffix(fp, "/"), "trailing slash in %q", fp)
		assert.NotContains(t, fp, "//")
	}
}

func TestHasValidName(t *testing.T) {
	assert.True(t, HasValidName("a.txt"))
	assert.False(t, HasValidName(""))
	assert.False(t, HasValidName("a/b"))
}

func TestParent(t *testing.T) {
	p, err := Parse("/alice/docs/x/y/z.txt")
	require.NoError(t, err)

	parent := p.Parent()
	assert.Equal(t, "y", parent.Name)
	assert.Equal(t, "x", parent.Path)

	grand := parent.Parent()
	assert.Equal(t, "x", grand.Name)
	assert.Equal(t, "", grand.Path)

	// The workspace root is its own parent.
	root := grand.Parent()
	assert.Equal(t, "", root.Name)
	assert.Equal(t, "", root.Path)
	assert.Equal(t, root, root.Parent())
}

func TestAppend(t *testing.T) {
	p, err := Parse("/alice/docs/x")
	require.NoError(t, err)

	child := p.Append("y.txt")
	assert.Equal(t, "x", child.Path)
	assert.Equal(t, "y.txt", child.Name)
	assert.Equal(t, "x/y.txt", child.FullPath())
}

func TestReplacePathPrefix(t *testing.T) {
	assert.Equal(t, "dst", ReplacePathPrefix("src", "src", "dst"))
	assert.Equal(t, "dst/a/b", ReplacePathPrefix("src/a/b", "src", "dst"))
	// Non-prefix paths are untouched.
	assert.Equal(t, "srcx/a", ReplacePathPrefix("srcx/a", "src", "dst"))
}

func TestString(t *testing.T) {
	p, err := Parse("/alice/docs/x/y/z.txt")
	require.NoError(t, err)
	assert.Equal(t, "/alice/docs/x/y/z.txt", p.String())

	ws, err := Parse("/alice/docs")
	require.NoError(t, err)
	assert.Equal(t, "/alice/docs", ws.String())
}
