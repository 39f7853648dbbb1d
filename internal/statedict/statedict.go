// Package statedict models a checkpoint state mapping: ordered dictionaries,
// lists and tuples whose leaves are tensors, scalars, bytes, or pickled Python
// objects kept in a form that can be written back verbatim.
package statedict

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/goccy/go-json"
)

// Dict is an insertion-ordered mapping. Keys are usually strings; other
// pickled keys (ints, tuples) are kept so a mapping can be re-saved as read.
type Dict struct {
	keys    []any
	values  []any
	index   map[any]int
	ordered bool
}

func NewDict() *Dict {
	return &Dict{index: make(map[any]int)}
}

// NewOrderedDict returns a Dict that is pickled as collections.OrderedDict.
func NewOrderedDict() *Dict {
	d := NewDict()
	d.ordered = true
	return d
}

func (d *Dict) IsOrdered() bool { return d.ordered }

func (d *Dict) Len() int { return len(d.keys) }

// Keys returns a snapshot of the keys in insertion order.
func (d *Dict) Keys() []any {
	out := make([]any, len(d.keys))
	copy(out, d.keys)
	return out
}

func (d *Dict) Get(key any) (any, bool) {
	i, ok := d.index[hashKey(key)]
	if !ok {
		return nil, false
	}
	return d.values[i], true
}

// Set replaces the value of an existing key in place or appends a new key.
// The signature also satisfies gopickle's DictSetter so SETITEMS can target
// a Dict directly.
func (d *Dict) Set(key, value any) {
	h := hashKey(key)
	if i, ok := d.index[h]; ok {
		d.values[i] = value
		return
	}
	d.index[h] = len(d.keys)
	d.keys = append(d.keys, key)
	d.values = append(d.values, value)
}

// SetDefault returns the value stored under key, inserting def first when
// the key is absent.
func (d *Dict) SetDefault(key, def any) any {
	if v, ok := d.Get(key); ok {
		return v
	}
	d.Set(key, def)
	return def
}

// Pop removes key and returns its value.
func (d *Dict) Pop(key any) (any, bool) {
	h := hashKey(key)
	i, ok := d.index[h]
	if !ok {
		return nil, false
	}
	v := d.values[i]
	d.keys = append(d.keys[:i], d.keys[i+1:]...)
	d.values = append(d.values[:i], d.values[i+1:]...)
	delete(d.index, h)
	for j := i; j < len(d.keys); j++ {
		d.index[hashKey(d.keys[j])] = j
	}
	return v, true
}

// Range calls fn for each entry in order until fn returns false.
func (d *Dict) Range(fn func(key, value any) bool) {
	for i, k := range d.keys {
		if !fn(k, d.values[i]) {
			return
		}
	}
}

// MarshalJSON writes the entries in insertion order. Only string keys can be
// represented.
func (d *Dict) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range d.keys {
		ks, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("statedict: non-string key %v (%T) in JSON object", k, k)
		}
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(ks)
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		vb, err := json.Marshal(d.values[i])
		if err != nil {
			return nil, fmt.Errorf("statedict: key %q: %w", ks, err)
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// List is a mutable Python list. It is a pointer type so that path setters
// can grow it in place.
type List struct {
	Items []any
}

func NewList(items ...any) *List {
	return &List{Items: items}
}

func (l *List) Len() int { return len(l.Items) }

// Append satisfies gopickle's ListAppender.
func (l *List) Append(v any) {
	l.Items = append(l.Items, v)
}

func (l *List) extend(idx int) {
	for len(l.Items) <= idx {
		l.Items = append(l.Items, nil)
	}
}

func (l *List) MarshalJSON() ([]byte, error) {
	if l.Items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.Items)
}

// Tuple is an immutable Python tuple.
type Tuple []any

// Global is a reference to a module-level Python name, such as a class or a
// function, written as a GLOBAL opcode.
type Global struct {
	Module string
	Name   string
}

func (g Global) String() string { return g.Module + "." + g.Name }

// Object is a pickled Python object with no native representation. It keeps
// everything needed to pickle it again: how it was constructed, the items
// appended or set on it, and the state passed to __setstate__.
type Object struct {
	Class     Global
	Args      Tuple
	NewObj    bool // cls.__new__(cls, *Args) rather than Class(*Args)
	ListItems []any
	DictItems *Dict
	State     any
	HasState  bool
}

func (o *Object) String() string { return fmt.Sprintf("<%s object>", o.Class) }

// PySetState records the BUILD state.
func (o *Object) PySetState(state any) error {
	o.State = state
	o.HasState = true
	return nil
}

// PyDictSet records a BUILD state entry when the unpickler applies a dict
// state key by key.
func (o *Object) PyDictSet(key, value any) error {
	st, ok := o.State.(*Dict)
	if !ok {
		st = NewDict()
		o.State = st
		o.HasState = true
	}
	st.Set(key, value)
	return nil
}

// Append records a list item added with APPEND(S).
func (o *Object) Append(v any) {
	o.ListItems = append(o.ListItems, v)
}

// Set records a dict item added with SETITEM(S).
func (o *Object) Set(key, value any) {
	if o.DictItems == nil {
		o.DictItems = NewDict()
	}
	o.DictItems.Set(key, value)
}

// keyRepr stands in for keys that are not comparable in Go.
type keyRepr struct {
	kind string
	repr string
}

// hashKey maps a Python key to a comparable Go map key. Python's 1 and 1.0
// collapse to the same dict slot; here they stay distinct.
func hashKey(k any) any {
	switch v := k.(type) {
	case int64:
		return int(v)
	case *big.Int:
		if v.IsInt64() {
			return int(v.Int64())
		}
		return keyRepr{"int", v.String()}
	case Tuple:
		return keyRepr{"tuple", fmt.Sprintf("%#v", v)}
	case []byte:
		return keyRepr{"bytes", string(v)}
	}
	if k == nil || reflect.TypeOf(k).Comparable() {
		return k
	}
	return keyRepr{fmt.Sprintf("%T", k), fmt.Sprintf("%#v", k)}
}
