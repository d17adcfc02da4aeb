package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is a map-backed Backend used by tests and for single-node
// evaluation deployments (backend: memory). All state is lost on restart.
type MemoryBackend struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace     // uuid -> workspace
	wsByName   map[string]string         // owner + "\x00" + name -> uuid
	objects    map[string]*Object        // uuid -> object
	objByKey   map[string]string         // wsUUID + "\x00" + path + "\x00" + name -> uuid
	downloads  map[string]*DownloadTicket // key -> ticket
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		workspaces: make(map[string]*Workspace),
		wsByName:   make(map[string]string),
		objects:    make(map[string]*Object),
		objByKey:   make(map[string]string),
		downloads:  make(map[string]*DownloadTicket),
	}
}

func wsKey(owner, name string) string { return owner + "\x00" + name }

func objKey(wsUUID, path, name string) string {
	return wsUUID + "\x00" + path + "\x00" + name
}

func copyWorkspace(ws *Workspace) *Workspace {
	out := *ws
	out.UserPermission = make(map[string]Permission, len(ws.UserPermission))
	for k, v := range ws.UserPermission {
		out.UserPermission[k] = v
	}
	out.Metadata = copyStringMap(ws.Metadata)
	return &out
}

func copyObject(obj *Object) *Object {
	out := *obj
	out.UserMetadata = copyStringMap(obj.UserMetadata)
	out.AutoMetadata = copyStringMap(obj.AutoMetadata)
	return &out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m *MemoryBackend) GetWorkspace(_ context.Context, owner, name string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uuid, ok := m.wsByName[wsKey(owner, name)]
	if !ok {
		return nil, NewNotFoundError("/" + owner + "/" + name)
	}
	return copyWorkspace(m.workspaces[uuid]), nil
}

func (m *MemoryBackend) InsertWorkspace(_ context.Context, ws *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := wsKey(ws.Owner, ws.Name)
	if _, ok := m.wsByName[key]; ok {
		return NewAlreadyExistsError("/" + ws.Owner + "/" + ws.Name)
	}
	m.workspaces[ws.UUID] = copyWorkspace(ws)
	m.wsByName[key] = ws.UUID
	return nil
}

func (m *MemoryBackend) ListWorkspaces(_ context.Context, owner string) ([]*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Workspace
	for _, ws := range m.workspaces {
		if owner != "" && ws.Owner != owner {
			continue
		}
		out = append(out, copyWorkspace(ws))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryBackend) SetWorkspacePermissions(_ context.Context, wsUUID string, set map[string]Permission, remove []string, global Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[wsUUID]
	if !ok {
		return NewNotFoundError(wsUUID)
	}
	if ws.UserPermission == nil {
		ws.UserPermission = make(map[string]Permission)
	}
	for user, perm := range set {
		ws.UserPermission[user] = perm
	}
	for _, user := range remove {
		delete(ws.UserPermission, user)
	}
	if global != PermInvalid {
		ws.GlobalPermission = global
	}
	return nil
}

func (m *MemoryBackend) GetObject(_ context.Context, wsUUID, path, name string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uuid, ok := m.objByKey[objKey(wsUUID, path, name)]
	if !ok {
		return nil, NewNotFoundError(path + "/" + name)
	}
	return copyObject(m.objects[uuid]), nil
}

func (m *MemoryBackend) InsertObject(_ context.Context, obj *Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := objKey(obj.WorkspaceUUID, obj.Path, obj.Name)
	if _, ok := m.objByKey[key]; ok {
		return NewAlreadyExistsError(obj.Path + "/" + obj.Name)
	}
	m.objects[obj.UUID] = copyObject(obj)
	m.objByKey[key] = obj.UUID
	return nil
}

func (m *MemoryBackend) UpdateObject(_ context.Context, obj *Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.objects[obj.UUID]
	if !ok {
		return NewNotFoundError(obj.Path + "/" + obj.Name)
	}
	delete(m.objByKey, objKey(old.WorkspaceUUID, old.Path, old.Name))
	m.objects[obj.UUID] = copyObject(obj)
	m.objByKey[objKey(obj.WorkspaceUUID, obj.Path, obj.Name)] = obj.UUID
	return nil
}

func (m *MemoryBackend) DeleteObject(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[uuid]
	if !ok {
		return NewNotFoundError(uuid)
	}
	delete(m.objByKey, objKey(obj.WorkspaceUUID, obj.Path, obj.Name))
	delete(m.objects, uuid)
	return nil
}

func (m *MemoryBackend) ListObjects(_ context.Context, wsUUID, fullPath string, recursive bool) ([]*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Object
	for _, obj := range m.objects {
		if obj.WorkspaceUUID != wsUUID {
			continue
		}
		if obj.Path == fullPath ||
			(recursive && strings.HasPrefix(obj.Path, fullPath+"/")) ||
			(recursive && fullPath == "" && obj.Path != "") {
			out = append(out, copyObject(obj))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryBackend) SetObjectSize(_ context.Context, objectUUID string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[objectUUID]
	if !ok {
		return NewNotFoundError(objectUUID)
	}
	obj.Size = size
	return nil
}

func (m *MemoryBackend) InsertDownload(_ context.Context, ticket *DownloadTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *ticket
	m.downloads[ticket.DownloadKey] = &t
	return nil
}

func (m *MemoryBackend) GetDownload(_ context.Context, key string) (*DownloadTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ticket, ok := m.downloads[key]
	if !ok {
		return nil, NewNotFoundError(key)
	}
	t := *ticket
	return &t, nil
}

func (m *MemoryBackend) Close(context.Context) error { return nil }
