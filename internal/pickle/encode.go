package pickle

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"strings"

	"github.com/samcharles93/dcpconv/internal/statedict"
)

const (
	opProto     = 0x80
	opStop      = '.'
	opMark      = '('
	opEmptyDict = '}'
	opSetItems  = 'u'
	opEmptyList = ']'
	opAppends   = 'e'
	opEmptyTup  = ')'
	opTuple     = 't'
	opTuple1    = 0x85
	opTuple2    = 0x86
	opTuple3    = 0x87
	opNone      = 'N'
	opNewTrue   = 0x88
	opNewFalse  = 0x89
	opBinInt1   = 'K'
	opBinInt2   = 'M'
	opBinInt    = 'J'
	opLong1     = 0x8a
	opLong4     = 0x8b
	opBinFloat  = 'G'
	opBinUni    = 'X'
	opGlobal    = 'c'
	opReduce    = 'R'
	opNewObj    = 0x81
	opBuild     = 'b'
	opBinPersID = 'Q'

	// Python's pickler flushes APPENDS/SETITEMS every 1000 items.
	batchSize = 1000
)

// Persistent wraps a persistent id. It is written with BINPERSID so the
// loader's persistent_load resolves it.
type Persistent struct {
	ID any
}

// Encoder writes one value as a protocol 2 pickle. Objects are never
// memoized: shared references are written once per occurrence.
type Encoder struct {
	w *bufio.Writer

	// Reduce, when set, may replace a value before it is written. It is
	// how callers emit their own types, e.g. a tensor as a rebuild call.
	Reduce func(v any) (any, bool)
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) Encode(v any) error {
	e.w.WriteByte(opProto)
	e.w.WriteByte(2)
	if err := e.save(v); err != nil {
		return err
	}
	e.w.WriteByte(opStop)
	return e.w.Flush()
}

func (e *Encoder) save(v any) error {
	if e.Reduce != nil {
		if r, ok := e.Reduce(v); ok {
			v = r
		}
	}

	switch x := v.(type) {
	case nil:
		e.w.WriteByte(opNone)
	case bool:
		if x {
			e.w.WriteByte(opNewTrue)
		} else {
			e.w.WriteByte(opNewFalse)
		}
	case int:
		e.saveInt(int64(x))
	case int8:
		e.saveInt(int64(x))
	case int16:
		e.saveInt(int64(x))
	case int32:
		e.saveInt(int64(x))
	case int64:
		e.saveInt(x)
	case uint8:
		e.saveInt(int64(x))
	case uint16:
		e.saveInt(int64(x))
	case uint32:
		e.saveInt(int64(x))
	case uint64:
		e.saveBig(new(big.Int).SetUint64(x))
	case *big.Int:
		e.saveBig(x)
	case float32:
		e.saveFloat(float64(x))
	case float64:
		e.saveFloat(x)
	case string:
		e.saveString(x)
	case []byte:
		return e.saveBytes(x)
	case statedict.Global:
		e.saveGlobal(x)
	case statedict.Tuple:
		return e.saveTuple(x)
	case *statedict.List:
		e.w.WriteByte(opEmptyList)
		return e.saveAppends(x.Items)
	case *statedict.Dict:
		return e.saveDict(x)
	case *statedict.Object:
		return e.saveObject(x)
	case Persistent:
		if err := e.save(x.ID); err != nil {
			return err
		}
		e.w.WriteByte(opBinPersID)
	default:
		return fmt.Errorf("pickle: cannot encode %T", v)
	}
	return nil
}

func (e *Encoder) saveInt(v int64) {
	switch {
	case v >= 0 && v <= math.MaxUint8:
		e.w.WriteByte(opBinInt1)
		e.w.WriteByte(byte(v))
	case v >= 0 && v <= math.MaxUint16:
		e.w.WriteByte(opBinInt2)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		e.w.Write(b[:])
	case v >= math.MinInt32 && v <= math.MaxInt32:
		e.w.WriteByte(opBinInt)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(v)))
		e.w.Write(b[:])
	default:
		e.saveBig(big.NewInt(v))
	}
}

func (e *Encoder) saveBig(v *big.Int) {
	if v.IsInt64() {
		if i := v.Int64(); i >= math.MinInt32 && i <= math.MaxInt32 {
			e.saveInt(i)
			return
		}
	}
	data := encodeLong(v)
	if len(data) < 256 {
		e.w.WriteByte(opLong1)
		e.w.WriteByte(byte(len(data)))
	} else {
		e.w.WriteByte(opLong4)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(len(data)))
		e.w.Write(b[:])
	}
	e.w.Write(data)
}

// encodeLong returns the minimal little-endian two's complement bytes of v.
func encodeLong(v *big.Int) []byte {
	if v.Sign() == 0 {
		return nil
	}
	var mag int
	if v.Sign() > 0 {
		mag = v.BitLen()
	} else {
		mag = new(big.Int).Sub(new(big.Int).Neg(v), big.NewInt(1)).BitLen()
	}
	n := mag/8 + 1

	u := new(big.Int).Set(v)
	if v.Sign() < 0 {
		u.Add(u, new(big.Int).Lsh(big.NewInt(1), uint(8*n)))
	}
	be := u.FillBytes(make([]byte, n))
	out := make([]byte, n)
	for i := range be {
		out[n-1-i] = be[i]
	}
	return out
}

func (e *Encoder) saveFloat(v float64) {
	e.w.WriteByte(opBinFloat)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	e.w.Write(b[:])
}

func (e *Encoder) saveString(s string) {
	e.w.WriteByte(opBinUni)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(len(s)))
	e.w.Write(b[:])
	e.w.WriteString(s)
}

// saveBytes writes _codecs.encode(s, "latin1"), the protocol 2 form of a
// Python 3 bytes object.
func (e *Encoder) saveBytes(p []byte) error {
	var sb strings.Builder
	sb.Grow(len(p))
	for _, c := range p {
		sb.WriteRune(rune(c))
	}
	e.saveGlobal(statedict.Global{Module: "_codecs", Name: "encode"})
	e.saveString(sb.String())
	e.saveString("latin1")
	e.w.WriteByte(opTuple2)
	e.w.WriteByte(opReduce)
	return nil
}

func (e *Encoder) saveGlobal(g statedict.Global) {
	e.w.WriteByte(opGlobal)
	e.w.WriteString(g.Module)
	e.w.WriteByte('\n')
	e.w.WriteString(g.Name)
	e.w.WriteByte('\n')
}

func (e *Encoder) saveTuple(t statedict.Tuple) error {
	switch len(t) {
	case 0:
		e.w.WriteByte(opEmptyTup)
		return nil
	case 1, 2, 3:
		for _, item := range t {
			if err := e.save(item); err != nil {
				return err
			}
		}
		e.w.WriteByte([]byte{opTuple1, opTuple2, opTuple3}[len(t)-1])
		return nil
	}
	e.w.WriteByte(opMark)
	for _, item := range t {
		if err := e.save(item); err != nil {
			return err
		}
	}
	e.w.WriteByte(opTuple)
	return nil
}

func (e *Encoder) saveAppends(items []any) error {
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		e.w.WriteByte(opMark)
		for _, item := range items[start:end] {
			if err := e.save(item); err != nil {
				return err
			}
		}
		e.w.WriteByte(opAppends)
	}
	return nil
}

func (e *Encoder) saveSetItems(d *statedict.Dict) error {
	keys := d.Keys()
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		e.w.WriteByte(opMark)
		for _, k := range keys[start:end] {
			v, _ := d.Get(k)
			if err := e.save(k); err != nil {
				return err
			}
			if err := e.save(v); err != nil {
				return fmt.Errorf("key %v: %w", k, err)
			}
		}
		e.w.WriteByte(opSetItems)
	}
	return nil
}

func (e *Encoder) saveDict(d *statedict.Dict) error {
	if d.IsOrdered() {
		e.saveGlobal(statedict.Global{Module: "collections", Name: "OrderedDict"})
		e.w.WriteByte(opEmptyTup)
		e.w.WriteByte(opReduce)
	} else {
		e.w.WriteByte(opEmptyDict)
	}
	return e.saveSetItems(d)
}

func (e *Encoder) saveObject(o *statedict.Object) error {
	e.saveGlobal(o.Class)
	if err := e.saveTuple(o.Args); err != nil {
		return fmt.Errorf("%s args: %w", o.Class, err)
	}
	if o.NewObj {
		e.w.WriteByte(opNewObj)
	} else {
		e.w.WriteByte(opReduce)
	}
	if len(o.ListItems) > 0 {
		if err := e.saveAppends(o.ListItems); err != nil {
			return fmt.Errorf("%s items: %w", o.Class, err)
		}
	}
	if o.DictItems != nil && o.DictItems.Len() > 0 {
		if err := e.saveSetItems(o.DictItems); err != nil {
			return fmt.Errorf("%s items: %w", o.Class, err)
		}
	}
	if o.HasState {
		if err := e.save(o.State); err != nil {
			return fmt.Errorf("%s state: %w", o.Class, err)
		}
		e.w.WriteByte(opBuild)
	}
	return nil
}
