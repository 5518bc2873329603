package api

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"georepl/internal/consistency"
	replerr "georepl/internal/errors"
	"georepl/internal/lag"
	"georepl/internal/logging"
	"georepl/internal/peer"
	"georepl/internal/repair"
	"georepl/internal/replication"
	"georepl/internal/storage"
)

// Coordinator is the part of replication.Coordinator the service exposes.
type Coordinator interface {
	Replicate(ctx context.Context, key string, data []byte, opts replication.Options) (replication.WriteResult, error)
	Get(key string) (storage.VersionedData, bool)
	GetConflicts() []repair.Conflict
	PendingConflictsFor(key string) []repair.Conflict
	GetPendingConflictCount() int
	RetryConflict(ctx context.Context, id string) (repair.Conflict, error)
	ResolveConflict(ctx context.Context, id string, data []byte) (repair.Conflict, error)
	GetReplicationLag(region string) (lag.ReplicationLag, bool)
	ReplicationLags() []lag.ReplicationLag
}

// Server implements ClientServer on top of a Coordinator.
type Server struct {
	coord  Coordinator
	logger log.Logger
}

// NewServer creates the client service.
func NewServer(coord Coordinator, logger log.Logger) *Server {
	return &Server{
		coord:  coord,
		logger: logging.Component(logger, "client-api"),
	}
}

// Replicate writes a key. A failed awaited propagation is reported as an
// error even though the local write is kept.
func (s *Server) Replicate(ctx context.Context, in *ReplicateRequest) (*ReplicateResponse, error) {
	res, err := s.coord.Replicate(ctx, in.Key, in.Data, replication.Options{
		Level:        consistency.Level(in.Level),
		Targets:      in.Targets,
		Session:      in.Session,
		Dependencies: in.Dependencies,
		Table:        in.Table,
		TenantID:     in.TenantID,
		TenantRegion: in.TenantRegion,
	})
	if err != nil {
		level.Debug(s.logger).Log("msg", "replicate failed", "key", in.Key, "level", in.Level, "err", err)
		return nil, peer.ToStatus(err)
	}

	out := &ReplicateResponse{
		Version:    res.Version,
		Level:      string(res.Level),
		Background: res.Background,
		Denied:     res.Denied,
	}
	for _, r := range res.Awaited {
		out.Awaited = append(out.Awaited, resultOf(r))
	}
	return out, nil
}

func (s *Server) Get(ctx context.Context, in *GetRequest) (*GetResponse, error) {
	if in.Key == "" {
		return nil, peer.ToStatus(replerr.New(replerr.KindValidation, replerr.OpReplicate, "key is required"))
	}
	vd, ok := s.coord.Get(in.Key)
	if !ok {
		return &GetResponse{}, nil
	}
	return &GetResponse{Found: true, Version: &vd}, nil
}

func (s *Server) Conflicts(ctx context.Context, in *ConflictsRequest) (*ConflictsResponse, error) {
	var list []repair.Conflict
	switch {
	case in.Key != "" && in.PendingOnly:
		list = s.coord.PendingConflictsFor(in.Key)
	default:
		for _, c := range s.coord.GetConflicts() {
			if in.Key != "" && c.Key != in.Key {
				continue
			}
			if in.PendingOnly && c.Resolved {
				continue
			}
			list = append(list, c)
		}
	}

	out := &ConflictsResponse{
		Conflicts: make([]Conflict, 0, len(list)),
		Pending:   s.coord.GetPendingConflictCount(),
	}
	for _, c := range list {
		out.Conflicts = append(out.Conflicts, conflictOf(c))
	}
	return out, nil
}

func (s *Server) Resolve(ctx context.Context, in *ResolveRequest) (*ResolveResponse, error) {
	var (
		c   repair.Conflict
		err error
	)
	if in.Retry {
		c, err = s.coord.RetryConflict(ctx, in.ID)
	} else {
		c, err = s.coord.ResolveConflict(ctx, in.ID, in.Data)
	}
	if err != nil {
		return nil, peer.ToStatus(err)
	}
	level.Info(s.logger).Log("msg", "conflict settled by client", "conflict", c.ID, "key", c.Key, "retry", in.Retry, "resolved", c.Resolved)
	return &ResolveResponse{Conflict: conflictOf(c)}, nil
}

func (s *Server) Lag(ctx context.Context, in *LagRequest) (*LagResponse, error) {
	out := &LagResponse{Regions: []Lag{}}
	if in.Region != "" {
		if l, ok := s.coord.GetReplicationLag(in.Region); ok {
			out.Regions = append(out.Regions, lagOf(l))
		}
		return out, nil
	}
	for _, l := range s.coord.ReplicationLags() {
		out.Regions = append(out.Regions, lagOf(l))
	}
	return out, nil
}
