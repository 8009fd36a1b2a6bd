package cache

import (
	"strconv"
	"strings"
)

// Namespace is a key prefix such as "de.example.org/api/resource/". Keys in
// a namespace are the prefix followed by "/"-joined parts.
type Namespace string

// Key builds a key from parts.
func (n Namespace) Key(parts ...string) string {
	return string(n) + strings.Join(parts, "/")
}

// Owns reports whether key belongs to the namespace.
func (n Namespace) Owns(key string) bool {
	return strings.HasPrefix(key, string(n))
}

// Parse splits a key of this namespace back into its parts. It fails for
// foreign keys and for keys whose part count differs from want (want < 0
// accepts any count).
func (n Namespace) Parse(key string, want int) ([]string, bool) {
	if !n.Owns(key) {
		return nil, false
	}
	rest := strings.TrimPrefix(key, string(n))
	if rest == "" {
		if want == 0 {
			return []string{}, true
		}
		return nil, false
	}
	parts := strings.Split(rest, "/")
	if want >= 0 && len(parts) != want {
		return nil, false
	}
	return parts, true
}

// IntKey builds a key from a single integer id.
func (n Namespace) IntKey(id int) string {
	return n.Key(strconv.Itoa(id))
}

// ParseInt inverts IntKey. Only canonical decimal ids round-trip.
func (n Namespace) ParseInt(key string) (int, bool) {
	parts, ok := n.Parse(key, 1)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil || strconv.Itoa(id) != parts[0] {
		return 0, false
	}
	return id, true
}
