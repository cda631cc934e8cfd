// Package resp models server replies as a tagged tree and decodes the
// RESP2/RESP3 reply grammar into it.
package resp

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

type Kind uint8

const (
	Null Kind = iota
	Int
	Float
	Bool
	String
	Array
	Map
	Error
	// Push is an out-of-band RESP3 push frame. Connections consume these;
	// callers never receive one.
	Push
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case String:
		return "string"
	case Array:
		return "array"
	case Map:
		return "map"
	case Error:
		return "error"
	case Push:
		return "push"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Pair is one entry of a Map value. Keys keep their own type.
type Pair struct {
	Key   *Value
	Value *Value
}

// Value is one node of a reply tree. Trees obtained from a Decoder or
// the New* constructors must be released exactly once with Release.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Bool  bool
	Str   []byte
	Elems []*Value
	Pairs []Pair
}

var (
	allocated atomic.Int64
	released  atomic.Int64
	valuePool = sync.Pool{New: func() any { return new(Value) }}
)

// Stats reports how many nodes were handed out and how many were
// released since the process started.
func Stats() (alloc, free int64) {
	return allocated.Load(), released.Load()
}

func newValue(k Kind) *Value {
	v := valuePool.Get().(*Value)
	v.Kind = k
	allocated.Add(1)
	return v
}

func NewNull() *Value { return newValue(Null) }

func NewInt(i int64) *Value {
	v := newValue(Int)
	v.Int = i
	return v
}

func NewFloat(f float64) *Value {
	v := newValue(Float)
	v.Float = f
	return v
}

func NewBool(b bool) *Value {
	v := newValue(Bool)
	v.Bool = b
	return v
}

func NewString(b []byte) *Value {
	v := newValue(String)
	v.Str = b
	return v
}

func NewError(msg string) *Value {
	v := newValue(Error)
	v.Str = []byte(msg)
	return v
}

// NewArray takes ownership of elems.
func NewArray(elems []*Value) *Value {
	v := newValue(Array)
	v.Elems = elems
	return v
}

// NewMap takes ownership of pairs.
func NewMap(pairs []Pair) *Value {
	v := newValue(Map)
	v.Pairs = pairs
	return v
}

// Release returns every node of the tree to the allocator. It walks the
// tree with an explicit stack so arbitrarily deep trees are safe. The tree
// must not be used afterwards.
func (v *Value) Release() {
	if v == nil {
		return
	}
	stack := []*Value{v}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, n.Elems...)
		for _, p := range n.Pairs {
			if p.Key != nil {
				stack = append(stack, p.Key)
			}
			if p.Value != nil {
				stack = append(stack, p.Value)
			}
		}
		*n = Value{}
		valuePool.Put(n)
		released.Add(1)
	}
}

// Detach moves the element at i out of an Array, leaving Null in its
// place, so the caller can keep it after releasing the parent.
func (v *Value) Detach(i int) *Value {
	e := v.Elems[i]
	v.Elems[i] = NewNull()
	return e
}

// Count returns the number of nodes in the tree.
func (v *Value) Count() int {
	if v == nil {
		return 0
	}
	n := 1
	for _, e := range v.Elems {
		n += e.Count()
	}
	for _, p := range v.Pairs {
		n += p.Key.Count() + p.Value.Count()
	}
	return n
}

func (v *Value) IsError() bool { return v != nil && v.Kind == Error }

func (v *Value) IsNull() bool { return v == nil || v.Kind == Null }

// Text returns the payload of String and Error values.
func (v *Value) Text() string {
	if v == nil {
		return ""
	}
	return string(v.Str)
}

// Equal compares two trees structurally. NaN floats compare equal to
// each other.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case Null:
		return true
	case Int:
		return v.Int == o.Int
	case Float:
		return v.Float == o.Float || (v.Float != v.Float && o.Float != o.Float)
	case Bool:
		return v.Bool == o.Bool
	case String, Error:
		return string(v.Str) == string(o.Str)
	case Array, Push:
		if len(v.Elems) != len(o.Elems) {
			return false
		}
		for i := range v.Elems {
			if !v.Elems[i].Equal(o.Elems[i]) {
				return false
			}
		}
		return true
	case Map:
		if len(v.Pairs) != len(o.Pairs) {
			return false
		}
		for i := range v.Pairs {
			if !v.Pairs[i].Key.Equal(o.Pairs[i].Key) || !v.Pairs[i].Value.Equal(o.Pairs[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

func (v *Value) String() string {
	var sb strings.Builder
	v.format(&sb)
	return sb.String()
}

func (v *Value) format(sb *strings.Builder) {
	if v == nil {
		sb.WriteString("<nil>")
		return
	}
	switch v.Kind {
	case Null:
		sb.WriteString("(nil)")
	case Int:
		sb.WriteString(strconv.FormatInt(v.Int, 10))
	case Float:
		sb.WriteString(strconv.FormatFloat(v.Float, 'g', -1, 64))
	case Bool:
		sb.WriteString(strconv.FormatBool(v.Bool))
	case String:
		sb.WriteString(strconv.Quote(string(v.Str)))
	case Error:
		fmt.Fprintf(sb, "(error) %s", v.Str)
	case Array, Push:
		sb.WriteByte('[')
		for i, e := range v.Elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.format(sb)
		}
		sb.WriteByte(']')
	case Map:
		sb.WriteByte('{')
		for i, p := range v.Pairs {
			if i > 0 {
				sb.WriteString(", ")
			}
			p.Key.format(sb)
			sb.WriteString(": ")
			p.Value.format(sb)
		}
		sb.WriteByte('}')
	}
}
