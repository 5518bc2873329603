package api

import (
	"time"

	"georepl/internal/clock"
	"georepl/internal/fanout"
	"georepl/internal/lag"
	"georepl/internal/repair"
	"georepl/internal/storage"
)

type ReplicateRequest struct {
	Key          string              `json:"key"`
	Data         []byte              `json:"data"`
	Level        string              `json:"level,omitempty"`
	Targets      []string            `json:"targets,omitempty"`
	Session      string              `json:"session,omitempty"`
	Dependencies []clock.VectorClock `json:"dependencies,omitempty"`
	Table        string              `json:"table,omitempty"`
	TenantID     string              `json:"tenantId,omitempty"`
	TenantRegion string              `json:"tenantRegion,omitempty"`
}

type ReplicateResponse struct {
	Version    storage.VersionedData `json:"version"`
	Level      string                `json:"level"`
	Awaited    []RegionResult        `json:"awaited,omitempty"`
	Background []string              `json:"background,omitempty"`
	Denied     []string              `json:"denied,omitempty"`
}

// RegionResult is the outcome of one awaited propagation.
type RegionResult struct {
	Region     string `json:"region"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

type GetRequest struct {
	Key string `json:"key"`
}

type GetResponse struct {
	Found   bool                   `json:"found"`
	Version *storage.VersionedData `json:"version,omitempty"`
}

// ConflictsRequest filters the conflict list. An empty key lists every key.
type ConflictsRequest struct {
	Key         string `json:"key,omitempty"`
	PendingOnly bool   `json:"pendingOnly,omitempty"`
}

type ConflictsResponse struct {
	Conflicts []Conflict `json:"conflicts"`
	Pending   int        `json:"pending"`
}

// ResolveRequest settles conflict ID with Data, or re-runs the configured
// resolver when Retry is set.
type ResolveRequest struct {
	ID    string `json:"id"`
	Data  []byte `json:"data,omitempty"`
	Retry bool   `json:"retry,omitempty"`
}

type ResolveResponse struct {
	Conflict Conflict `json:"conflict"`
}

// LagRequest selects one region; empty selects all.
type LagRequest struct {
	Region string `json:"region,omitempty"`
}

type LagResponse struct {
	Regions []Lag `json:"regions"`
}

// Conflict is the wire form of repair.Conflict. Times are unix ms.
type Conflict struct {
	ID         string                `json:"id"`
	Key        string                `json:"key"`
	Local      storage.VersionedData `json:"local"`
	Remote     storage.VersionedData `json:"remote"`
	DetectedAt int64                 `json:"detectedAt"`
	Resolved   bool                  `json:"resolved"`
	Resolution []byte                `json:"resolution,omitempty"`
	Strategy   string                `json:"strategy,omitempty"`
	Ambiguous  bool                  `json:"ambiguous,omitempty"`
	ResolvedAt int64                 `json:"resolvedAt,omitempty"`
}

// Lag is the wire form of lag.ReplicationLag.
type Lag struct {
	Region     string `json:"region"`
	CurrentMs  int64  `json:"currentMs"`
	AverageMs  int64  `json:"averageMs"`
	MaxMs      int64  `json:"maxMs"`
	Samples    int    `json:"samples"`
	MeasuredAt int64  `json:"measuredAt"`
	High       bool   `json:"high"`
}

func conflictOf(c repair.Conflict) Conflict {
	out := Conflict{
		ID:         c.ID,
		Key:        c.Key,
		Local:      c.Local,
		Remote:     c.Remote,
		DetectedAt: c.DetectedAt.UnixMilli(),
		Resolved:   c.Resolved,
		Resolution: c.Resolution,
		Strategy:   string(c.Strategy),
		Ambiguous:  c.Ambiguous,
	}
	if !c.ResolvedAt.IsZero() {
		out.ResolvedAt = c.ResolvedAt.UnixMilli()
	}
	return out
}

func lagOf(l lag.ReplicationLag) Lag {
	return Lag{
		Region:     l.Region,
		CurrentMs:  l.CurrentLag.Milliseconds(),
		AverageMs:  l.AverageLag.Milliseconds(),
		MaxMs:      l.MaxLag.Milliseconds(),
		Samples:    l.Samples,
		MeasuredAt: l.MeasuredAt.UnixMilli(),
		High:       l.High,
	}
}

func resultOf(r fanout.Result) RegionResult {
	out := RegionResult{Region: r.Region, DurationMs: r.Duration.Milliseconds()}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}

// Duration returns the awaited propagation time.
func (r RegionResult) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}
