package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamespaceKeys(t *testing.T) {
	ns := Namespace("de.example.org/api/resource/")

	assert.Equal(t, "de.example.org/api/resource/42", ns.IntKey(42))
	assert.True(t, ns.Owns("de.example.org/api/resource/42"))
	assert.False(t, ns.Owns("en.example.org/api/resource/42"))

	parts, ok := ns.Parse(ns.Key("a", "b"), 2)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, parts)

	_, ok = ns.Parse(ns.Key("a", "b"), 1)
	assert.False(t, ok)

	parts, ok = ns.Parse(ns.Key("a", "b", "c"), -1)
	assert.True(t, ok)
	assert.Len(t, parts, 3)
}

func TestNamespaceParseInt(t *testing.T) {
	ns := Namespace("res/")

	tests := []struct {
		key string
		id  int
		ok  bool
	}{
		{"res/3", 3, true},
		{"res/0", 0, true},
		{"res/-4", -4, true},
		{"res/03", 0, false},
		{"res/+3", 0, false},
		{"res/abc", 0, false},
		{"res/", 0, false},
		{"res/3/4", 0, false},
		{"other/3", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			id, ok := ns.ParseInt(tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
			if ok {
				assert.Equal(t, tt.key, ns.IntKey(id))
			}
		})
	}
}
