package store

// Permission is the single-character permission code stored on workspaces
// and reported on the wire.
type Permission byte

const (
	PermInvalid Permission = 0
	PermNone    Permission = 'n'
	PermRead    Permission = 'r'
	PermWrite   Permission = 'w'
	PermAdmin   Permission = 'a'
	PermPublic  Permission = 'p'
	PermOwner   Permission = 'o' // computed, never stored
)

// ParsePermission maps a permission code to a Permission. Unknown codes map
// to PermInvalid.
func ParsePermission(s string) Permission {
	if len(s) == 0 {
		return PermInvalid
	}
	c := s[0]
	if c >= 'A' && c <= 'Z' {
		c += 'a' - 'A'
	}
	switch Permission(c) {
	case PermNone, PermRead, PermWrite, PermAdmin, PermPublic, PermOwner:
		return Permission(c)
	default:
		return PermInvalid
	}
}

// String returns the single-character wire code.
func (p Permission) String() string {
	if p == PermInvalid {
		return ""
	}
	return string([]byte{byte(p)})
}

// Rank orders permissions for comparison: none < read = public < write <
// admin < owner.
func (p Permission) Rank() int {
	switch p {
	case PermRead, PermPublic:
		return 1
	case PermWrite:
		return 2
	case PermAdmin:
		return 3
	case PermOwner:
		return 4
	default:
		return 0
	}
}

// Storable reports whether p may be stored as a workspace permission value.
// The owner permission is always computed.
func (p Permission) Storable() bool {
	switch p {
	case PermNone, PermRead, PermWrite, PermAdmin, PermPublic:
		return true
	default:
		return false
	}
}

// EffectivePermission computes the caller's permission on a workspace:
// public short-circuits everything, the owner always holds owner, and
// otherwise the higher-ranked of the caller's explicit entry and the global
// permission wins. An unauthenticated caller gets the global permission.
func EffectivePermission(ws *Workspace, caller Caller) Permission {
	if ws == nil {
		return PermNone
	}
	if ws.GlobalPermission == PermPublic {
		return PermPublic
	}
	if caller.Valid && ws.Owner == caller.User {
		return PermOwner
	}
	if caller.Valid {
		if userPerm, ok := ws.UserPermission[caller.User]; ok {
			if userPerm.Rank() > ws.GlobalPermission.Rank() {
				return userPerm
			}
		}
	}
	return ws.GlobalPermission
}

// UserHasPermission reports whether the caller holds at least min on the
// workspace. Admin mode bypasses the check entirely.
func UserHasPermission(ws *Workspace, caller Caller, min Permission) bool {
	if caller.AdminMode {
		return true
	}
	return EffectivePermission(ws, caller).Rank() >= min.Rank()
}
