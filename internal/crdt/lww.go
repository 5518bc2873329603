package crdt

import (
	"bytes"
	"encoding/json"
)

// LWWRegister holds a single value; the write with the higher timestamp wins.
// Equal timestamps are broken by region: the lexicographically larger region
// wins, and identical region plus timestamp falls back to comparing the value
// bytes so the order is total.
type LWWRegister struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"ts"`
	Region    string          `json:"region"`
}

// NewLWWRegister returns an unset register.
func NewLWWRegister() LWWRegister {
	return LWWRegister{}
}

// Kind implements Value.
func (LWWRegister) Kind() Kind { return KindLWWRegister }

// Set returns a register holding value written at ts by region, unless the
// current state already wins against that write.
func (r LWWRegister) Set(value json.RawMessage, ts int64, region string) LWWRegister {
	next := LWWRegister{Value: append(json.RawMessage(nil), value...), Timestamp: ts, Region: region}
	return r.Merge(next)
}

// Merge picks the winning write.
func (r LWWRegister) Merge(other LWWRegister) LWWRegister {
	if other.wins(r) {
		return other.clone()
	}
	return r.clone()
}

// Equal reports state equality.
func (r LWWRegister) Equal(other LWWRegister) bool {
	return r.Timestamp == other.Timestamp && r.Region == other.Region && bytes.Equal(r.Value, other.Value)
}

func (r LWWRegister) wins(other LWWRegister) bool {
	if r.Timestamp != other.Timestamp {
		return r.Timestamp > other.Timestamp
	}
	if r.Region != other.Region {
		return r.Region > other.Region
	}
	return bytes.Compare(r.Value, other.Value) > 0
}

func (r LWWRegister) clone() LWWRegister {
	return LWWRegister{Value: append(json.RawMessage(nil), r.Value...), Timestamp: r.Timestamp, Region: r.Region}
}
