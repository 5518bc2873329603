package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"georepl/internal/clock"
)

// VersionedData is one immutable version of a key.
type VersionedData struct {
	Data         []byte            `json:"data"`
	VectorClock  clock.VectorClock `json:"vectorClock"`
	Timestamp    int64             `json:"timestamp"` // wall clock, unix ms
	OriginRegion string            `json:"originRegion"`
	Checksum     string            `json:"checksum"`
}

// NewVersionedData stamps data with the given clock and origin, computing the
// checksum. The clock and payload are copied.
func NewVersionedData(data []byte, vc clock.VectorClock, origin string, at time.Time) VersionedData {
	payload := append([]byte(nil), data...)
	return VersionedData{
		Data:         payload,
		VectorClock:  vc.Copy(),
		Timestamp:    at.UnixMilli(),
		OriginRegion: origin,
		Checksum:     Checksum(payload),
	}
}

// Checksum returns the hex-encoded SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the payload checksum. It returns the computed value and
// whether it matches the declared one.
func (vd VersionedData) Verify() (string, bool) {
	got := Checksum(vd.Data)
	return got, got == vd.Checksum
}

// Copy returns a deep copy.
func (vd VersionedData) Copy() VersionedData {
	return VersionedData{
		Data:         append([]byte(nil), vd.Data...),
		VectorClock:  vd.VectorClock.Copy(),
		Timestamp:    vd.Timestamp,
		OriginRegion: vd.OriginRegion,
		Checksum:     vd.Checksum,
	}
}

// WithData returns a copy carrying new payload bytes and a recomputed
// checksum; clock, timestamp and origin are kept.
func (vd VersionedData) WithData(data []byte) VersionedData {
	out := vd.Copy()
	out.Data = append([]byte(nil), data...)
	out.Checksum = Checksum(out.Data)
	return out
}

// WithClock returns a copy carrying vc.
func (vd VersionedData) WithClock(vc clock.VectorClock) VersionedData {
	out := vd.Copy()
	out.VectorClock = vc.Copy()
	return out
}

// Time returns the write time.
func (vd VersionedData) Time() time.Time {
	return time.UnixMilli(vd.Timestamp)
}
