// Package models defines the ordered conversation context bag.
package models

import (
	"encoding/json"
	"strings"

	"github.com/elliotchance/orderedmap/v3"
)

// Reserved context key prefixes. Keys under CartKeyPrefix survive an
// exit-keyword reset; keys under SysKeyPrefix are engine-internal.
const (
	CartKeyPrefix = "cart."
	SysKeyPrefix  = "sys."
)

// ReturnStackKey holds the JSON-encoded subflow return stack.
const ReturnStackKey = SysKeyPrefix + "return_stack"

// Context is the per-conversation key-value bag carried across steps within a
// flow run. Keys are unique and iteration order follows insertion order.
type Context struct {
	m *orderedmap.OrderedMap[string, string]
}

// NewContext creates an empty context bag.
func NewContext() *Context {
	return &Context{m: orderedmap.NewOrderedMap[string, string]()}
}

// Get returns the value for a key and whether it was present.
func (c *Context) Get(key string) (string, bool) {
	if c == nil || c.m == nil {
		return "", false
	}
	return c.m.Get(key)
}

// Set stores a value for a key, preserving the key's original position if it
// already exists.
func (c *Context) Set(key, value string) {
	if c.m == nil {
		c.m = orderedmap.NewOrderedMap[string, string]()
	}
	c.m.Set(key, value)
}

// Delete removes a key. Removing an absent key is a no-op.
func (c *Context) Delete(key string) {
	if c == nil || c.m == nil {
		return
	}
	c.m.Delete(key)
}

// Len returns the number of keys.
func (c *Context) Len() int {
	if c == nil || c.m == nil {
		return 0
	}
	return c.m.Len()
}

// Keys returns all keys in insertion order.
func (c *Context) Keys() []string {
	if c == nil || c.m == nil {
		return nil
	}
	keys := make([]string, 0, c.m.Len())
	for key := range c.m.AllFromFront() {
		keys = append(keys, key)
	}
	return keys
}

// Clone returns a deep copy of the context.
func (c *Context) Clone() *Context {
	out := NewContext()
	if c == nil || c.m == nil {
		return out
	}
	for key, value := range c.m.AllFromFront() {
		out.m.Set(key, value)
	}
	return out
}

// ClearFlowScoped removes all keys except cart-scoped ones. Used by the
// exit-keyword reset: flow variables and the subflow return stack are
// discarded while cart references survive.
func (c *Context) ClearFlowScoped() {
	if c == nil || c.m == nil {
		return
	}
	for _, key := range c.Keys() {
		if !strings.HasPrefix(key, CartKeyPrefix) {
			c.m.Delete(key)
		}
	}
}

type contextEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MarshalJSON encodes the context as an ordered array of key/value entries so
// insertion order survives a persistence round trip.
func (c *Context) MarshalJSON() ([]byte, error) {
	entries := make([]contextEntry, 0, c.Len())
	if c != nil && c.m != nil {
		for key, value := range c.m.AllFromFront() {
			entries = append(entries, contextEntry{Key: key, Value: value})
		}
	}
	return json.Marshal(entries)
}

// UnmarshalJSON decodes the ordered entry array form.
func (c *Context) UnmarshalJSON(data []byte) error {
	var entries []contextEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	c.m = orderedmap.NewOrderedMap[string, string]()
	for _, e := range entries {
		c.m.Set(e.Key, e.Value)
	}
	return nil
}
