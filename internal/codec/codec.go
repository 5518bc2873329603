// Package codec defines the replication event exchanged between regions and
// its wire encoding.
//
// A frame is one format byte followed by the JSON envelope, either raw or
// s2-compressed. Frames that start with '{' are accepted as raw JSON so
// plain JSON publishers on the cache and stream channels interoperate.
package codec

import (
	"encoding/json"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"

	replerr "georepl/internal/errors"
	"georepl/internal/storage"
)

const (
	formatJSON byte = 'j'
	formatS2   byte = 's'

	// DefaultCompressThreshold is the envelope size above which frames are
	// compressed when compression is enabled.
	DefaultCompressThreshold = 1024
)

// Envelope carries one version of a key to a peer region.
type Envelope struct {
	Key     string                `json:"key"`
	Table   string                `json:"table,omitempty"`
	Version storage.VersionedData `json:"version"`
	Session string                `json:"session,omitempty"`
	SentAt  int64                 `json:"sentAt"` // unix ms
}

// NewEnvelope wraps vd for sending at the given time.
func NewEnvelope(key, table, session string, vd storage.VersionedData, at time.Time) Envelope {
	return Envelope{
		Key:     key,
		Table:   table,
		Version: vd.Copy(),
		Session: session,
		SentAt:  at.UnixMilli(),
	}
}

// Age returns how long ago the version was written, as seen at now.
func (e Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.Version.Time())
}

// Verify rejects envelopes whose payload does not match its checksum.
func (e Envelope) Verify() error {
	if e.Key == "" {
		return replerr.New(replerr.KindValidation, replerr.OpReceive, "envelope without key")
	}
	got, ok := e.Version.Verify()
	if !ok {
		return replerr.Checksum(e.Version.OriginRegion, e.Key, e.Version.Checksum, got)
	}
	return nil
}

// Codec encodes envelopes.
type Codec struct {
	Compress  bool
	Threshold int
}

// Default compresses envelopes larger than DefaultCompressThreshold.
var Default = Codec{Compress: true, Threshold: DefaultCompressThreshold}

// Marshal encodes env into a frame.
func (c Codec) Marshal(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}

	threshold := c.Threshold
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}

	if c.Compress && len(body) > threshold {
		out := make([]byte, 1, 1+s2.MaxEncodedLen(len(body)))
		out[0] = formatS2
		return append(out, s2.Encode(nil, body)...), nil
	}

	out := make([]byte, 0, 1+len(body))
	out = append(out, formatJSON)
	return append(out, body...), nil
}

// Unmarshal decodes a frame. It does not verify the checksum.
func (c Codec) Unmarshal(frame []byte) (Envelope, error) {
	var env Envelope
	if len(frame) == 0 {
		return env, replerr.New(replerr.KindValidation, replerr.OpReceive, "empty frame")
	}

	var body []byte
	switch frame[0] {
	case formatJSON:
		body = frame[1:]
	case formatS2:
		decoded, err := s2.Decode(nil, frame[1:])
		if err != nil {
			return env, replerr.Wrap(replerr.KindValidation, replerr.OpReceive, err, "decompress frame")
		}
		body = decoded
	case '{':
		body = frame
	default:
		return env, replerr.Newf(replerr.KindValidation, replerr.OpReceive, "unknown frame format 0x%02x", frame[0])
	}

	if err := json.Unmarshal(body, &env); err != nil {
		return env, replerr.Wrap(replerr.KindValidation, replerr.OpReceive, err, "decode envelope")
	}
	return env, nil
}

// Marshal encodes env with Default.
func Marshal(env Envelope) ([]byte, error) {
	return Default.Marshal(env)
}

// Unmarshal decodes frame with Default.
func Unmarshal(frame []byte) (Envelope, error) {
	return Default.Unmarshal(frame)
}
