package statedict

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrPath = errors.New("statedict: invalid path")

// Path addresses a value inside nested containers. Elements are string keys
// for dicts and int indices for lists.
type Path []any

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, e := range p {
		switch v := e.(type) {
		case string:
			parts[i] = v
		case int:
			parts[i] = strconv.Itoa(v)
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, ".")
}

// SetElement stores value at path under root, creating intermediate
// containers on the way: a dict when the next element is a string, a list
// when it is an int. Lists are padded with nil up to the index.
func SetElement(root *Dict, path Path, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", ErrPath)
	}

	var cur any = root
	for i := 1; i < len(path); i++ {
		prev, key := path[i-1], path[i]
		var def any
		if _, ok := key.(string); ok {
			def = NewDict()
		} else {
			def = NewList()
		}

		switch c := cur.(type) {
		case *Dict:
			cur = c.SetDefault(prev, def)
		case *List:
			idx, ok := prev.(int)
			if !ok || idx < 0 {
				return fmt.Errorf("%w: list index %v (%T) in %s", ErrPath, prev, prev, path)
			}
			c.extend(idx)
			if c.Items[idx] == nil {
				c.Items[idx] = def
			}
			cur = c.Items[idx]
		default:
			return fmt.Errorf("%w: cannot descend into %T at %s", ErrPath, cur, path[:i])
		}
	}

	last := path[len(path)-1]
	switch c := cur.(type) {
	case *Dict:
		c.Set(last, value)
	case *List:
		idx, ok := last.(int)
		if !ok || idx < 0 {
			return fmt.Errorf("%w: list index %v (%T) in %s", ErrPath, last, last, path)
		}
		c.extend(idx)
		c.Items[idx] = value
	default:
		return fmt.Errorf("%w: cannot assign into %T at %s", ErrPath, cur, path)
	}
	return nil
}

// Lookup returns the value at path under root.
func Lookup(root any, path Path) (any, bool) {
	cur := root
	for _, e := range path {
		switch c := cur.(type) {
		case *Dict:
			v, ok := c.Get(e)
			if !ok {
				return nil, false
			}
			cur = v
		case *List:
			idx, ok := e.(int)
			if !ok || idx < 0 || idx >= len(c.Items) {
				return nil, false
			}
			cur = c.Items[idx]
		case Tuple:
			idx, ok := e.(int)
			if !ok || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// LookupDict is Lookup for string keys that must lead to a Dict.
func LookupDict(root *Dict, keys ...string) (*Dict, error) {
	path := make(Path, len(keys))
	for i, k := range keys {
		path[i] = k
	}
	v, ok := Lookup(root, path)
	if !ok {
		return nil, fmt.Errorf("%w: %q not found", ErrPath, path.String())
	}
	d, ok := v.(*Dict)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, not a mapping", ErrPath, path.String(), v)
	}
	return d, nil
}

// ConsumePrefix strips prefix from every top-level string key that carries
// it. A renamed entry is removed and re-inserted, so it moves to the end and
// replaces any existing entry with the stripped name.
func ConsumePrefix(d *Dict, prefix string) int {
	n := 0
	for _, k := range d.Keys() {
		s, ok := k.(string)
		if !ok || !strings.HasPrefix(s, prefix) {
			continue
		}
		v, _ := d.Pop(k)
		d.Set(s[len(prefix):], v)
		n++
	}
	return n
}

// Walk calls fn for every leaf under v, depth-first in order. Dicts, lists
// and tuples are containers; everything else is a leaf.
func Walk(v any, fn func(path Path, leaf any) error) error {
	return walk(nil, v, fn)
}

func walk(path Path, v any, fn func(Path, any) error) error {
	switch c := v.(type) {
	case *Dict:
		for i, k := range c.keys {
			if err := walk(append(path[:len(path):len(path)], k), c.values[i], fn); err != nil {
				return err
			}
		}
		return nil
	case *List:
		for i, item := range c.Items {
			if err := walk(append(path[:len(path):len(path)], i), item, fn); err != nil {
				return err
			}
		}
		return nil
	case Tuple:
		for i, item := range c {
			if err := walk(append(path[:len(path):len(path)], i), item, fn); err != nil {
				return err
			}
		}
		return nil
	}
	return fn(path, v)
}
