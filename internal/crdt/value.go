package crdt

import (
	"encoding/json"
	"fmt"
)

// Kind names a CRDT type on the wire.
type Kind string

const (
	KindGCounter    Kind = "gcounter"
	KindPNCounter   Kind = "pncounter"
	KindGSet        Kind = "gset"
	KindORSet       Kind = "orset"
	KindLWWRegister Kind = "lww"
)

// Value is implemented by every CRDT in this package.
type Value interface {
	Kind() Kind
}

type envelope struct {
	Type  Kind            `json:"crdt"`
	State json.RawMessage `json:"state"`
}

// Encode serializes v with its type tag so it can be merged without knowing
// the concrete type in advance.
func Encode(v Value) ([]byte, error) {
	state, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", v.Kind(), err)
	}
	return json.Marshal(envelope{Type: v.Kind(), State: state})
}

// Decode parses a value produced by Encode.
func Decode(data []byte) (Value, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode crdt envelope: %w", err)
	}

	var (
		v   Value
		err error
	)
	switch env.Type {
	case KindGCounter:
		c := NewGCounter()
		err = json.Unmarshal(env.State, &c)
		v = c
	case KindPNCounter:
		c := NewPNCounter()
		err = json.Unmarshal(env.State, &c)
		v = c
	case KindGSet:
		s := NewGSet()
		err = json.Unmarshal(env.State, &s)
		v = s
	case KindORSet:
		s := NewORSet()
		err = json.Unmarshal(env.State, &s)
		v = s
	case KindLWWRegister:
		r := NewLWWRegister()
		err = json.Unmarshal(env.State, &r)
		v = r
	default:
		return nil, fmt.Errorf("unknown crdt type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return v, nil
}

// Merge merges two values of the same type.
func Merge(a, b Value) (Value, error) {
	if a.Kind() != b.Kind() {
		return nil, fmt.Errorf("cannot merge %s with %s", a.Kind(), b.Kind())
	}
	switch x := a.(type) {
	case GCounter:
		if y, ok := b.(GCounter); ok {
			return x.Merge(y), nil
		}
	case PNCounter:
		if y, ok := b.(PNCounter); ok {
			return x.Merge(y), nil
		}
	case GSet:
		if y, ok := b.(GSet); ok {
			return x.Merge(y), nil
		}
	case ORSet:
		if y, ok := b.(ORSet); ok {
			return x.Merge(y), nil
		}
	case LWWRegister:
		if y, ok := b.(LWWRegister); ok {
			return x.Merge(y), nil
		}
	}
	return nil, fmt.Errorf("unsupported crdt pair %T, %T", a, b)
}

// MergeEncoded decodes both payloads, merges them and re-encodes the result.
func MergeEncoded(a, b []byte) ([]byte, error) {
	va, err := Decode(a)
	if err != nil {
		return nil, err
	}
	vb, err := Decode(b)
	if err != nil {
		return nil, err
	}
	merged, err := Merge(va, vb)
	if err != nil {
		return nil, err
	}
	return Encode(merged)
}
