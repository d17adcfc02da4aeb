package service

import (
	"encoding/json"

	"github.com/bvbrc/workspace/pkg/store"
)

// WireMeta serializes an ObjectMeta to the positional wire tuple:
//
//	[name, type, path, creation_time, id, owner, size,
//	 user_metadata, auto_metadata, user_permission, global_permission,
//	 shockurl, error?]
//
// auto_metadata.is_folder is always present as 1/0. An invalid meta without
// an error message serializes to the empty array.
type WireMeta store.ObjectMeta

func (m WireMeta) MarshalJSON() ([]byte, error) {
	if !m.Valid && m.Error == "" {
		return []byte("[]"), nil
	}

	auto := make(map[string]any, len(m.AutoMetadata)+1)
	for k, v := range m.AutoMetadata {
		auto[k] = v
	}
	if m.Valid {
		if store.IsFolderType(m.Type) {
			auto["is_folder"] = 1
		} else {
			auto["is_folder"] = 0
		}
	}

	user := m.UserMetadata
	if user == nil {
		user = map[string]string{}
	}

	created := ""
	if !m.CreationTime.IsZero() {
		created = m.CreationTime.UTC().Format(store.TimeFormat)
	}

	tuple := []any{
		m.Name,
		m.Type,
		m.Path,
		created,
		m.ID,
		m.Owner,
		m.Size,
		user,
		auto,
		m.UserPermission.String(),
		m.GlobalPermission.String(),
		m.ShockURL,
	}
	if m.Error != "" {
		tuple = append(tuple, m.Error)
	}
	return json.Marshal(tuple)
}

// WireMetas converts a metadata slice for marshaling.
func WireMetas(metas []store.ObjectMeta) []WireMeta {
	out := make([]WireMeta, len(metas))
	for i, m := range metas {
		out[i] = WireMeta(m)
	}
	return out
}

// MarshalJSON renders a get result as the wire pair [meta, data].
func (r GetResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{WireMeta(r.Meta), r.Data})
}
