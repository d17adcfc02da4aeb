package store

import (
	"fmt"
	"strconv"
	"strings"
)

// The document store reserves '.' and '$' in field names, and the
// permissions map keys workspace documents by user identifier. Keys are
// percent-encoded on write and decoded on read; the public contract carries
// plain identifiers.

// EncodeDocKey percent-encodes the characters the document store reserves in
// field names, plus '%' itself so decoding round-trips.
func EncodeDocKey(k string) string {
	var b strings.Builder
	for i := 0; i < len(k); i++ {
		switch c := k[i]; c {
		case '.', '$', '%':
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// DecodeDocKey reverses EncodeDocKey. Malformed escapes pass through
// verbatim rather than failing; the stored keys are service-written.
func DecodeDocKey(k string) string {
	var b strings.Builder
	for i := 0; i < len(k); i++ {
		if k[i] == '%' && i+2 < len(k) {
			if v, err := strconv.ParseUint(k[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(k[i])
	}
	return b.String()
}

// EncodePermissionMap encodes user-permission keys for storage.
func EncodePermissionMap(perms map[string]Permission) map[string]string {
	out := make(map[string]string, len(perms))
	for user, perm := range perms {
		out[EncodeDocKey(user)] = perm.String()
	}
	return out
}

// DecodePermissionMap decodes stored user-permission keys.
func DecodePermissionMap(stored map[string]string) map[string]Permission {
	out := make(map[string]Permission, len(stored))
	for key, val := range stored {
		out[DecodeDocKey(key)] = ParsePermission(val)
	}
	return out
}
