// Package claims decodes verifiable credential payloads into a read-only
// claim tree with absent-safe accessors.
package claims

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Kind is the JSON type of a claim value
type Kind int

const (
	KindAbsent Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

var kindNames = [...]string{"absent", "null", "bool", "number", "string", "array", "object"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Value is a node of the claim tree. The zero value is Absent.
//
// A Value never exposes the decoded maps or slices it wraps; Interface
// returns a deep copy.
type Value struct {
	v       interface{}
	present bool
}

// Absent is returned for every lookup that does not resolve
var Absent = Value{}

func present(v interface{}) Value {
	return Value{v: v, present: true}
}

// IsAbsent reports whether the value does not exist
func (v Value) IsAbsent() bool {
	return !v.present
}

// Kind returns the JSON type of the value
func (v Value) Kind() Kind {
	if !v.present {
		return KindAbsent
	}
	switch v.v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case json.Number:
		return KindNumber
	case string:
		return KindString
	case []interface{}:
		return KindArray
	case map[string]interface{}:
		return KindObject
	}
	return KindAbsent
}

// Get walks path from this value. Object members are selected by key and
// array elements by decimal index. Any miss yields Absent.
func (v Value) Get(path ...string) Value {
	cur := v
	for _, seg := range path {
		if !cur.present {
			return Absent
		}
		switch node := cur.v.(type) {
		case map[string]interface{}:
			child, ok := node[seg]
			if !ok {
				return Absent
			}
			cur = present(child)
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return Absent
			}
			cur = cur.Index(i)
		default:
			return Absent
		}
	}
	return cur
}

// Index returns the i-th element of an array, or Absent
func (v Value) Index(i int) Value {
	arr, ok := v.v.([]interface{})
	if !ok || i < 0 || i >= len(arr) {
		return Absent
	}
	return present(arr[i])
}

// Len returns the number of elements of an array or members of an object
func (v Value) Len() int {
	switch node := v.v.(type) {
	case []interface{}:
		return len(node)
	case map[string]interface{}:
		return len(node)
	}
	return 0
}

// Keys returns the sorted member names of an object
func (v Value) Keys() []string {
	obj, ok := v.v.(map[string]interface{})
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AsString returns the value if it is a JSON string
func (v Value) AsString() (string, bool) {
	s, ok := v.v.(string)
	return s, ok
}

// StringOr returns the string value or def
func (v Value) StringOr(def string) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	return def
}

// AsBool returns the value if it is a JSON boolean
func (v Value) AsBool() (bool, bool) {
	b, ok := v.v.(bool)
	return b, ok
}

// AsNumber returns the value if it is a JSON number
func (v Value) AsNumber() (float64, bool) {
	n, ok := v.v.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

// AsStrings returns a string as a one-element slice, or an array whose
// elements are all strings. Anything else reports false.
func (v Value) AsStrings() ([]string, bool) {
	switch node := v.v.(type) {
	case string:
		return []string{node}, true
	case []interface{}:
		out := make([]string, 0, len(node))
		for _, e := range node {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// Interface returns a deep copy of the value using map[string]interface{},
// []interface{}, string, bool, json.Number and nil. Absent returns nil.
func (v Value) Interface() interface{} {
	return deepCopy(v.v)
}

func deepCopy(v interface{}) interface{} {
	switch node := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(node))
		for k, e := range node {
			out[k] = deepCopy(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(node))
		for i, e := range node {
			out[i] = deepCopy(e)
		}
		return out
	}
	return v
}

// Tree is the decoded credential. Its root is always a JSON object.
type Tree struct {
	root Value
	raw  string
}

// Root returns the top-level object
func (t Tree) Root() Value {
	return t.root
}

// Raw returns the credential serialization the tree was decoded from
func (t Tree) Raw() string {
	return t.raw
}

// Get performs a nested lookup from the root
func (t Tree) Get(path ...string) Value {
	return t.root.Get(path...)
}

// Lookup resolves a dotted path such as "credentialSubject.email".
// An empty path returns the root.
func (t Tree) Lookup(dotted string) Value {
	if dotted == "" {
		return t.root
	}
	return t.root.Get(strings.Split(dotted, ".")...)
}
