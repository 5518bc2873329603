package repair

import (
	"context"
	"fmt"

	"georepl/internal/crdt"
	"georepl/internal/storage"
)

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last-write-wins"
	StrategyVectorClock   Strategy = "vector-clock"
	StrategyCRDT          Strategy = "crdt"
	StrategyCustom        Strategy = "custom"
	// StrategyManual marks conflicts settled by an explicit caller merge.
	StrategyManual Strategy = "manual"
)

// Resolution is the outcome of a successful resolver run.
type Resolution struct {
	Data []byte
	// Timestamp and Origin describe the resolved version. Zero values are
	// filled in by the caller.
	Timestamp int64
	Origin    string
	// Ambiguous is set when the resolver had to fall back to a tie-break.
	Ambiguous bool
}

// Resolver turns a conflict into a resolution. ok is false when the resolver
// declines to resolve automatically; the conflict then stays pending.
type Resolver interface {
	Strategy() Strategy
	Resolve(ctx context.Context, c Conflict) (res Resolution, ok bool, err error)
}

// MergeFunc is a caller-supplied pure merge of two concurrent versions.
type MergeFunc func(local, remote storage.VersionedData) ([]byte, error)

var (
	_ Resolver = LastWriteWins{}
	_ Resolver = VectorClockOnly{}
	_ Resolver = CRDTMerge{}
	_ Resolver = Custom{}
)

// NewResolver builds the resolver for strategy. Choosing the custom strategy
// without a merge function is a configuration error.
func NewResolver(strategy Strategy, merge MergeFunc) (Resolver, error) {
	switch strategy {
	case StrategyLastWriteWins, "":
		return LastWriteWins{}, nil
	case StrategyVectorClock:
		return VectorClockOnly{}, nil
	case StrategyCRDT:
		return CRDTMerge{}, nil
	case StrategyCustom:
		if merge == nil {
			return nil, fmt.Errorf("conflict strategy %q requires a merge function", strategy)
		}
		return Custom{Merge: merge}, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// LastWriteWins keeps the version with the greater wall-clock timestamp.
// Equal timestamps are broken by the lexicographically larger origin region,
// then by the larger checksum, and the resolution is flagged ambiguous.
type LastWriteWins struct{}

func (LastWriteWins) Strategy() Strategy { return StrategyLastWriteWins }

func (LastWriteWins) Resolve(_ context.Context, c Conflict) (Resolution, bool, error) {
	winner, ambiguous := PickLWW(c.Local, c.Remote)
	return Resolution{
		Data:      winner.Data,
		Timestamp: winner.Timestamp,
		Origin:    winner.OriginRegion,
		Ambiguous: ambiguous,
	}, true, nil
}

// PickLWW returns the last-write-wins winner of a and b. It is symmetric:
// PickLWW(a, b) and PickLWW(b, a) return the same version.
func PickLWW(a, b storage.VersionedData) (winner storage.VersionedData, tie bool) {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return a, false
		}
		return b, false
	}
	if a.OriginRegion != b.OriginRegion {
		if a.OriginRegion > b.OriginRegion {
			return a, true
		}
		return b, true
	}
	if a.Checksum >= b.Checksum {
		return a, true
	}
	return b, true
}

// VectorClockOnly never resolves automatically.
type VectorClockOnly struct{}

func (VectorClockOnly) Strategy() Strategy { return StrategyVectorClock }

func (VectorClockOnly) Resolve(context.Context, Conflict) (Resolution, bool, error) {
	return Resolution{}, false, nil
}

// CRDTMerge merges payloads encoded with crdt.Encode.
type CRDTMerge struct{}

func (CRDTMerge) Strategy() Strategy { return StrategyCRDT }

func (CRDTMerge) Resolve(_ context.Context, c Conflict) (Resolution, bool, error) {
	merged, err := crdt.MergeEncoded(c.Local.Data, c.Remote.Data)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("crdt merge of key %s: %w", c.Key, err)
	}
	return Resolution{Data: merged}, true, nil
}

// Custom delegates to a caller-supplied merge function.
type Custom struct {
	Merge MergeFunc
}

func (Custom) Strategy() Strategy { return StrategyCustom }

func (r Custom) Resolve(_ context.Context, c Conflict) (Resolution, bool, error) {
	data, err := r.Merge(c.Local.Copy(), c.Remote.Copy())
	if err != nil {
		return Resolution{}, false, fmt.Errorf("custom merge of key %s: %w", c.Key, err)
	}
	return Resolution{Data: data}, true, nil
}
