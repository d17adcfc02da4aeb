// Package service implements the workspace JSON-RPC methods, the execution
// lanes they run on, and the pending-upload reconciler. The dispatcher in
// pkg/api decodes requests into the parameter types here and serializes the
// returned metadata back to the positional wire form.
package service

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bvbrc/workspace/pkg/auth"
	"github.com/bvbrc/workspace/pkg/store"
)

// Caller is the authenticated identity of a request, together with the raw
// token needed for blob-store ACL grants on the caller's behalf.
type Caller struct {
	store.Caller
	Token auth.Token
}

// CallerFor builds a Caller from a parsed token and the admin-mode decision
// made by the dispatcher.
func CallerFor(tok auth.Token, adminMode bool) Caller {
	return Caller{
		Caller: store.Caller{User: tok.User(), Valid: tok.Valid(), AdminMode: adminMode},
		Token:  tok,
	}
}

// CreateObjectSpec is one entry of the create objects array. On the wire it
// is a positional tuple [path, type, metadata?, data?, creation_time?].
type CreateObjectSpec struct {
	Path         string
	Type         string
	Metadata     map[string]string
	Data         []byte
	CreationTime string
}

func (s *CreateObjectSpec) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return fmt.Errorf("create object entry must be an array: %w", err)
	}
	if len(tuple) < 2 {
		return fmt.Errorf("create object entry needs at least [path, type]")
	}
	if err := json.Unmarshal(tuple[0], &s.Path); err != nil {
		return fmt.Errorf("create object path: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &s.Type); err != nil {
		return fmt.Errorf("create object type: %w", err)
	}
	if len(tuple) > 2 && !isJSONNull(tuple[2]) {
		if err := json.Unmarshal(tuple[2], &s.Metadata); err != nil {
			return fmt.Errorf("create object metadata: %w", err)
		}
	}
	if len(tuple) > 3 && !isJSONNull(tuple[3]) {
		var data string
		if err := json.Unmarshal(tuple[3], &data); err != nil {
			return fmt.Errorf("create object data: %w", err)
		}
		s.Data = []byte(data)
	}
	if len(tuple) > 4 && !isJSONNull(tuple[4]) {
		if err := json.Unmarshal(tuple[4], &s.CreationTime); err != nil {
			return fmt.Errorf("create object creation time: %w", err)
		}
	}
	return nil
}

// CopyPair is one [from, to] entry of the copy objects array.
type CopyPair struct {
	From string
	To   string
}

func (p *CopyPair) UnmarshalJSON(b []byte) error {
	var tuple []string
	if err := json.Unmarshal(b, &tuple); err != nil {
		return fmt.Errorf("copy entry must be [from, to]: %w", err)
	}
	if len(tuple) != 2 {
		return fmt.Errorf("copy entry must be [from, to], got %d elements", len(tuple))
	}
	p.From, p.To = tuple[0], tuple[1]
	return nil
}

// MetadataUpdateSpec is one entry of the update_metadata objects array:
// [path, metadata?, type?, creation_time?].
type MetadataUpdateSpec struct {
	Path         string
	Metadata     map[string]string
	Type         string
	CreationTime string
}

func (s *MetadataUpdateSpec) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return fmt.Errorf("update entry must be an array: %w", err)
	}
	if len(tuple) < 1 {
		return fmt.Errorf("update entry needs at least [path]")
	}
	if err := json.Unmarshal(tuple[0], &s.Path); err != nil {
		return fmt.Errorf("update entry path: %w", err)
	}
	if len(tuple) > 1 && !isJSONNull(tuple[1]) {
		if err := json.Unmarshal(tuple[1], &s.Metadata); err != nil {
			return fmt.Errorf("update entry metadata: %w", err)
		}
	}
	if len(tuple) > 2 && !isJSONNull(tuple[2]) {
		if err := json.Unmarshal(tuple[2], &s.Type); err != nil {
			return fmt.Errorf("update entry type: %w", err)
		}
	}
	if len(tuple) > 3 && !isJSONNull(tuple[3]) {
		if err := json.Unmarshal(tuple[3], &s.CreationTime); err != nil {
			return fmt.Errorf("update entry creation time: %w", err)
		}
	}
	return nil
}

// PermissionPair is one [user, permission] entry of set_permissions.
type PermissionPair struct {
	User       string
	Permission string
}

func (p *PermissionPair) UnmarshalJSON(b []byte) error {
	var tuple []string
	if err := json.Unmarshal(b, &tuple); err != nil {
		return fmt.Errorf("permission entry must be [user, permission]: %w", err)
	}
	if len(tuple) != 2 {
		return fmt.Errorf("permission entry must be [user, permission], got %d elements", len(tuple))
	}
	p.User, p.Permission = tuple[0], tuple[1]
	return nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Method parameter shapes, field names per the wire protocol.

type LsParams struct {
	Paths                  []string `json:"paths"`
	ExcludeDirectories     bool     `json:"excludeDirectories"`
	ExcludeObjects         bool     `json:"excludeObjects"`
	Recursive              bool     `json:"recursive"`
	FullHierachicalOutput  bool     `json:"fullHierachicalOutput"` // spelling per protocol
	AdminMode              bool     `json:"adminmode"`
}

type GetParams struct {
	Objects      []string `json:"objects"`
	MetadataOnly bool     `json:"metadata_only"`
	AdminMode    bool     `json:"adminmode"`
}

type CreateParams struct {
	Objects           []CreateObjectSpec `json:"objects"`
	CreateUploadNodes bool               `json:"createUploadNodes"`
	DownloadFromLinks bool               `json:"downloadFromLinks"` // reserved
	Overwrite         bool               `json:"overwrite"`
	Permission        string             `json:"permission"`
	SetOwner          string             `json:"setowner"`
	AdminMode         bool               `json:"adminmode"`
}

type DeleteParams struct {
	Objects           []string `json:"objects"`
	DeleteDirectories bool     `json:"deleteDirectories"`
	Force             bool     `json:"force"`
	AdminMode         bool     `json:"adminmode"`
}

type CopyParams struct {
	Objects   []CopyPair `json:"objects"`
	Overwrite bool       `json:"overwrite"`
	Recursive bool       `json:"recursive"`
	Move      bool       `json:"move"`
	AdminMode bool       `json:"adminmode"`
}

type ListPermissionsParams struct {
	Objects   []string `json:"objects"`
	AdminMode bool     `json:"adminmode"`
}

type SetPermissionsParams struct {
	Path                string           `json:"path"`
	Permissions         []PermissionPair `json:"permissions"`
	NewGlobalPermission string           `json:"new_global_permission"`
	AdminMode           bool             `json:"adminmode"`
}

type GetDownloadURLParams struct {
	Objects   []string `json:"objects"`
	AdminMode bool     `json:"adminmode"`
}

type UpdateMetadataParams struct {
	Objects   []MetadataUpdateSpec `json:"objects"`
	Append    bool                 `json:"append"`
	AdminMode bool                 `json:"adminmode"`
}

type UpdateAutoMetaParams struct {
	Objects   []string `json:"objects"`
	AdminMode bool     `json:"adminmode"`
}

// GetResult pairs an object's metadata with its inline body for the get
// method. Data is empty for folders, blob-backed objects, and metadata-only
// requests.
type GetResult struct {
	Meta store.ObjectMeta
	Data string
}

// TypeRegistry holds the operator-configured whitelist of object types. The
// folder kinds are always accepted, and "directory" canonicalizes to
// "folder". An empty registry accepts any type.
type TypeRegistry struct {
	allowed map[string]struct{}
}

// LoadTypeRegistry reads a newline-delimited type whitelist. An empty path
// yields an open registry.
func LoadTypeRegistry(path string) (*TypeRegistry, error) {
	r := &TypeRegistry{}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading types file: %w", err)
	}
	r.allowed = make(map[string]struct{})
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			r.allowed[line] = struct{}{}
		}
	}
	return r, nil
}

// Canonical maps a requested type to its canonical form, rejecting types
// outside the whitelist. An empty type defaults to "unspecified".
func (r *TypeRegistry) Canonical(t string) (string, error) {
	if t == "" {
		t = "unspecified"
	}
	if t == "directory" {
		t = store.FolderType
	}
	if store.IsFolderType(t) {
		return t, nil
	}
	if r.allowed == nil {
		return t, nil
	}
	if _, ok := r.allowed[t]; !ok {
		return "", store.NewInvalidArgumentError(fmt.Sprintf("invalid object type %q", t))
	}
	return t, nil
}

// pendingUpload tracks an object whose blob body is being uploaded
// out-of-band. token is the creator's bearer used to poll the node.
type pendingUpload struct {
	objectID string
	shockURL string
	token    string
	created  time.Time
}

// PendingUploads is the reconciler's working set, keyed by object id.
type PendingUploads struct {
	mu      sync.Mutex
	entries map[string]*pendingUpload
}

// NewPendingUploads creates an empty working set.
func NewPendingUploads() *PendingUploads {
	return &PendingUploads{entries: make(map[string]*pendingUpload)}
}

// Add registers an upload to watch.
func (p *PendingUploads) Add(objectID, shockURL, token string, created time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[objectID] = &pendingUpload{
		objectID: objectID,
		shockURL: shockURL,
		token:    token,
		created:  created,
	}
}

// Len reports the number of uploads still pending.
func (p *PendingUploads) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// snapshot copies the current entries for a reconciliation pass.
func (p *PendingUploads) snapshot() []pendingUpload {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pendingUpload, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	return out
}

// get copies a single entry.
func (p *PendingUploads) get(objectID string) (pendingUpload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[objectID]
	if !ok {
		return pendingUpload{}, false
	}
	return *e, true
}

// remove drops entries after their sizes were flushed.
func (p *PendingUploads) remove(objectIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range objectIDs {
		delete(p.entries, id)
	}
}
