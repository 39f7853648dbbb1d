// Package pickle reads Python pickles into statedict values and writes them
// back using the protocol 2 opcodes torch.save emits.
package pickle

import (
	"fmt"
	"io"
	"math/big"
	"reflect"
	"strings"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/samcharles93/dcpconv/internal/statedict"
)

// Constructor adapts a Go function into a pickled class or callable. It is
// invoked both for REDUCE (Class(*args)) and NEWOBJ (cls.__new__(cls, *args)).
type Constructor func(args []any) (any, error)

func (c Constructor) Call(args ...interface{}) (interface{}, error) { return c(args) }

func (c Constructor) PyNew(args ...interface{}) (interface{}, error) { return c(args) }

// Resolver maps a GLOBAL reference to a value. ok=false defers to the
// decoder's defaults.
type Resolver func(module, name string) (v any, ok bool)

// Decoder unpickles one value from a stream.
type Decoder struct {
	r        io.Reader
	globals  map[string]any
	resolver Resolver
	persist  func(pid any) (any, error)
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, globals: make(map[string]any)}
}

// Register binds module.name to v, typically a Constructor or a constant
// such as a dtype.
func (d *Decoder) Register(module, name string, v any) {
	d.globals[module+"."+name] = v
}

// SetResolver installs a fallback consulted after registered globals.
func (d *Decoder) SetResolver(fn Resolver) {
	d.resolver = fn
}

// SetPersistentLoad handles BINPERSID. The persistent id is converted to
// statedict values before fn sees it.
func (d *Decoder) SetPersistentLoad(fn func(pid any) (any, error)) {
	d.persist = fn
}

// Decode reads the pickle and returns it as statedict values.
func (d *Decoder) Decode() (any, error) {
	u := pickle.NewUnpickler(d.r)
	u.FindClass = d.findClass
	if d.persist != nil {
		u.PersistentLoad = func(pid interface{}) (interface{}, error) {
			v, err := Convert(pid)
			if err != nil {
				return nil, fmt.Errorf("pickle: persistent id: %w", err)
			}
			return d.persist(v)
		}
	}
	v, err := u.Load()
	if err != nil {
		return nil, fmt.Errorf("pickle: %w", err)
	}
	return Convert(v)
}

func (d *Decoder) findClass(module, name string) (interface{}, error) {
	if v, ok := d.globals[module+"."+name]; ok {
		return v, nil
	}
	if d.resolver != nil {
		if v, ok := d.resolver(module, name); ok {
			return v, nil
		}
	}
	switch module + "." + name {
	case "collections.OrderedDict":
		return Constructor(func(args []any) (any, error) {
			if len(args) != 0 {
				return nil, fmt.Errorf("OrderedDict with %d args", len(args))
			}
			return statedict.NewOrderedDict(), nil
		}), nil
	case "_codecs.encode":
		return Constructor(codecsEncode), nil
	}
	return &class{global: statedict.Global{Module: module, Name: name}}, nil
}

// codecsEncode is how protocol 2 spells a bytes literal:
// _codecs.encode(str, "latin1").
func codecsEncode(args []any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("_codecs.encode: no arguments")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("_codecs.encode: %T argument", args[0])
	}
	enc := "utf-8"
	if len(args) > 1 {
		if e, ok := args[1].(string); ok {
			enc = strings.ToLower(e)
		}
	}
	switch enc {
	case "latin1", "latin-1", "iso-8859-1":
		out := make([]byte, 0, len(s))
		for _, r := range s {
			if r > 0xff {
				return nil, fmt.Errorf("_codecs.encode: rune %U outside latin1", r)
			}
			out = append(out, byte(r))
		}
		return out, nil
	case "utf-8", "utf8":
		return []byte(s), nil
	}
	return nil, fmt.Errorf("_codecs.encode: unsupported encoding %q", enc)
}

// class is the default for GLOBAL references nobody registered. Calling it
// or creating it yields an Object; appearing on its own it is a Global.
type class struct {
	global statedict.Global
}

func (c *class) Call(args ...interface{}) (interface{}, error) {
	return &statedict.Object{Class: c.global, Args: statedict.Tuple(args)}, nil
}

func (c *class) PyNew(args ...interface{}) (interface{}, error) {
	return &statedict.Object{Class: c.global, Args: statedict.Tuple(args), NewObj: true}, nil
}

// Convert rewrites gopickle containers into statedict ones, recursively.
// Values of other packages (tensors, registered Go types) pass through.
func Convert(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int, int64, float64, string, []byte, *big.Int:
		return x, nil
	case *types.Dict:
		out := statedict.NewDict()
		for _, e := range *x {
			if err := setConverted(out, e.Key, e.Value); err != nil {
				return nil, err
			}
		}
		return out, nil
	case *types.OrderedDict:
		out := statedict.NewOrderedDict()
		for e := x.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := setConverted(out, entry.Key, entry.Value); err != nil {
				return nil, err
			}
		}
		return out, nil
	case *types.List:
		return convertList(*x)
	case types.List:
		return convertList(x)
	case *types.Tuple:
		items, err := convertSlice(*x)
		return statedict.Tuple(items), err
	case types.Tuple:
		items, err := convertSlice(x)
		return statedict.Tuple(items), err
	case statedict.Tuple:
		items, err := convertSlice(x)
		return statedict.Tuple(items), err
	case *statedict.List:
		items, err := convertSlice(x.Items)
		if err != nil {
			return nil, err
		}
		x.Items = items
		return x, nil
	case *statedict.Dict:
		return convertDictInPlace(x)
	case *statedict.Object:
		return convertObject(x)
	case *class:
		return x.global, nil
	case statedict.Global:
		return x, nil
	}

	rt := reflect.TypeOf(v)
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if strings.HasPrefix(rt.PkgPath(), "github.com/nlpodyssey/gopickle") {
		return nil, fmt.Errorf("pickle: unsupported value %T", v)
	}
	return v, nil
}

func setConverted(out *statedict.Dict, k, v any) error {
	ck, err := Convert(k)
	if err != nil {
		return err
	}
	cv, err := Convert(v)
	if err != nil {
		return fmt.Errorf("key %v: %w", ck, err)
	}
	out.Set(ck, cv)
	return nil
}

func convertList(items []interface{}) (*statedict.List, error) {
	out, err := convertSlice(items)
	if err != nil {
		return nil, err
	}
	return statedict.NewList(out...), nil
}

func convertSlice(items []any) ([]any, error) {
	if items == nil {
		return nil, nil
	}
	out := make([]any, len(items))
	for i, item := range items {
		c, err := Convert(item)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func convertDictInPlace(d *statedict.Dict) (*statedict.Dict, error) {
	var err error
	out := statedict.NewDict()
	if d.IsOrdered() {
		out = statedict.NewOrderedDict()
	}
	d.Range(func(k, v any) bool {
		err = setConverted(out, k, v)
		return err == nil
	})
	return out, err
}

func convertObject(o *statedict.Object) (*statedict.Object, error) {
	args, err := convertSlice(o.Args)
	if err != nil {
		return nil, fmt.Errorf("%s args: %w", o.Class, err)
	}
	o.Args = args
	if o.ListItems, err = convertSlice(o.ListItems); err != nil {
		return nil, fmt.Errorf("%s items: %w", o.Class, err)
	}
	if o.DictItems != nil {
		if o.DictItems, err = convertDictInPlace(o.DictItems); err != nil {
			return nil, fmt.Errorf("%s items: %w", o.Class, err)
		}
	}
	if o.HasState {
		if o.State, err = Convert(o.State); err != nil {
			return nil, fmt.Errorf("%s state: %w", o.Class, err)
		}
	}
	return o, nil
}
