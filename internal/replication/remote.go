package replication

import (
	"context"

	"github.com/go-kit/log/level"

	"georepl/internal/codec"
	"georepl/internal/consistency"
	replerr "georepl/internal/errors"
	"georepl/internal/repair"
	"georepl/internal/storage"
)

// HandleRemote applies a version received from a peer region. A corrupted
// payload is rejected with a checksum error and never applied. An
// unresolvable conflict is not an error; it stays pending.
func (c *Coordinator) HandleRemote(ctx context.Context, env codec.Envelope) error {
	if err := c.running(replerr.OpReceive); err != nil {
		return err
	}
	if err := env.Verify(); err != nil {
		if replerr.IsKind(err, replerr.KindChecksum) {
			c.metrics.ChecksumRejected.With("origin", env.Version.OriginRegion).Add(1)
			level.Error(c.logger).Log("msg", "rejected corrupted replication event", "key", env.Key, "origin", env.Version.OriginRegion, "err", err)
			c.events.emit(Event{Kind: EventChecksumRejected, At: c.now(), Key: env.Key, Region: env.Version.OriginRegion, Err: err})
		}
		return err
	}

	remote := env.Version

	unlock := c.locks.Lock(env.Key)
	local, hasLocal := c.store.Get(env.Key)
	outcome := repair.Detect(local, hasLocal, remote)
	if outcome == repair.Concurrent {
		// the same version delivered again by another sink
		if _, seen := c.conflicts.PendingWith(env.Key, remote); seen {
			outcome = repair.Duplicate
		}
	}
	c.metrics.RemoteEvents.With("outcome", outcome.String()).Add(1)
	if outcome == repair.Adopt || outcome == repair.Concurrent {
		c.observeAge(env)
	}

	switch outcome {
	case repair.Drop, repair.Duplicate:
		unlock()
		level.Debug(c.logger).Log("msg", "remote version ignored", "key", env.Key, "outcome", outcome, "origin", remote.OriginRegion)
		return nil

	case repair.Adopt:
		if err := c.store.Put(env.Key, remote); err != nil {
			unlock()
			return replerr.Wrap(replerr.KindValidation, replerr.OpReceive, err, "adopt remote version")
		}
		c.clocks.Observe(env.Key, remote.VectorClock)
		unlock()
		level.Debug(c.logger).Log("msg", "remote version adopted", "key", env.Key, "clock", remote.VectorClock.String(), "origin", remote.OriginRegion)
		c.mirrorVersion(ctx, env.Key, remote)
		return nil
	}

	conflict := c.conflicts.Open(env.Key, local, remote, c.now())
	c.metrics.ConflictsOpened.Add(1)
	c.metrics.PendingConflicts.Set(float64(c.conflicts.Pending()))
	level.Info(c.logger).Log(
		"msg", "concurrent write detected",
		"conflict", conflict.ID,
		"key", env.Key,
		"local", local.VectorClock.String(),
		"remote", remote.VectorClock.String(),
		"origin", remote.OriginRegion,
	)
	c.events.emit(Event{Kind: EventConflict, At: conflict.DetectedAt, Key: env.Key, Region: remote.OriginRegion, Conflict: &conflict})

	resolved, vd, ok, err := c.resolveLocked(ctx, conflict)
	unlock()

	if err != nil {
		level.Warn(c.logger).Log("msg", "conflict left pending", "conflict", conflict.ID, "key", env.Key, "err", err)
		return nil
	}
	if ok {
		level.Info(c.logger).Log("msg", "conflict resolved", "conflict", resolved.ID, "key", env.Key, "strategy", resolved.Strategy, "ambiguous", resolved.Ambiguous)
		c.mirrorVersion(ctx, env.Key, vd)
	}
	return nil
}

// observeAge records how long a new version took to arrive from its origin.
// When a lag sampler is configured it is the only source of lag samples.
func (c *Coordinator) observeAge(env codec.Envelope) {
	origin := env.Version.OriginRegion
	if c.sampler != nil || origin == "" || origin == c.cfg.Region {
		return
	}
	c.lag.Record(origin, env.Age(c.now()))
}

// resolveLocked runs the configured resolver on conflict. The key lock must
// be held.
func (c *Coordinator) resolveLocked(ctx context.Context, conflict repair.Conflict) (repair.Conflict, storage.VersionedData, bool, error) {
	res, ok, err := c.resolver.Resolve(ctx, conflict)
	if err != nil || !ok {
		return conflict, storage.VersionedData{}, false, err
	}

	if res.Timestamp == 0 {
		res.Timestamp = max(conflict.Local.Timestamp, conflict.Remote.Timestamp)
	}
	if res.Origin == "" {
		res.Origin = max(conflict.Local.OriginRegion, conflict.Remote.OriginRegion)
	}

	vd := storage.VersionedData{
		Data:         append([]byte(nil), res.Data...),
		VectorClock:  repair.MergedClock(conflict.Local, conflict.Remote),
		Timestamp:    res.Timestamp,
		OriginRegion: res.Origin,
		Checksum:     storage.Checksum(res.Data),
	}
	resolved, err := c.applyLocked(conflict, vd, res, c.resolver.Strategy())
	return resolved, vd, err == nil, err
}

// applyLocked stores vd as the settled state of conflict and records the
// resolution. The key lock must be held.
func (c *Coordinator) applyLocked(conflict repair.Conflict, vd storage.VersionedData, res repair.Resolution, strategy repair.Strategy) (repair.Conflict, error) {
	c.store.Force(conflict.Key, vd)
	c.clocks.Observe(conflict.Key, vd.VectorClock)

	resolved, err := c.conflicts.MarkResolved(conflict.ID, strategy, res, c.now())
	if err != nil {
		return conflict, replerr.Wrap(replerr.KindValidation, replerr.OpResolve, err, "mark resolved")
	}
	c.metrics.ConflictsResolved.With("strategy", string(strategy)).Add(1)
	c.metrics.PendingConflicts.Set(float64(c.conflicts.Pending()))
	c.events.emit(Event{Kind: EventConflictResolved, At: resolved.ResolvedAt, Key: resolved.Key, Region: resolved.Remote.OriginRegion, Conflict: &resolved})
	return resolved, nil
}

// RetryConflict runs the configured resolver again on a pending conflict,
// against the key's current local version. If the two versions are no
// longer concurrent, the conflict is settled with whichever covers the
// other.
func (c *Coordinator) RetryConflict(ctx context.Context, id string) (repair.Conflict, error) {
	if err := c.running(replerr.OpResolve); err != nil {
		return repair.Conflict{}, err
	}
	conflict, ok := c.conflicts.Get(id)
	if !ok {
		return repair.Conflict{}, replerr.Newf(replerr.KindValidation, replerr.OpResolve, "unknown conflict %s", id)
	}
	if conflict.Resolved {
		return conflict, nil
	}

	unlock := c.locks.Lock(conflict.Key)
	defer unlock()

	if conflict, _ = c.conflicts.Get(id); conflict.Resolved {
		return conflict, nil
	}
	if current, has := c.store.Get(conflict.Key); has {
		conflict.Local = current
	}

	switch repair.Detect(conflict.Local, true, conflict.Remote) {
	case repair.Drop, repair.Duplicate:
		res := repair.Resolution{Data: conflict.Local.Data, Timestamp: conflict.Local.Timestamp, Origin: conflict.Local.OriginRegion}
		return c.applyLocked(conflict, conflict.Local, res, c.resolver.Strategy())
	case repair.Adopt:
		res := repair.Resolution{Data: conflict.Remote.Data, Timestamp: conflict.Remote.Timestamp, Origin: conflict.Remote.OriginRegion}
		return c.applyLocked(conflict, conflict.Remote, res, c.resolver.Strategy())
	}

	resolved, _, ok, err := c.resolveLocked(ctx, conflict)
	if err != nil {
		return conflict, replerr.Wrap(replerr.KindValidation, replerr.OpResolve, err, "resolve conflict")
	}
	if !ok {
		return conflict, nil
	}
	return resolved, nil
}

// ResolveConflict settles a pending conflict with caller-merged data. The
// merged version is a new local write: its clock covers both sides plus one
// local tick, and it is propagated under the default consistency level.
func (c *Coordinator) ResolveConflict(ctx context.Context, id string, data []byte) (repair.Conflict, error) {
	if err := c.running(replerr.OpResolve); err != nil {
		return repair.Conflict{}, err
	}
	conflict, ok := c.conflicts.Get(id)
	if !ok {
		return repair.Conflict{}, replerr.Newf(replerr.KindValidation, replerr.OpResolve, "unknown conflict %s", id)
	}
	if conflict.Resolved {
		return conflict, replerr.Newf(replerr.KindValidation, replerr.OpResolve, "conflict %s already resolved", id)
	}

	unlock := c.locks.Lock(conflict.Key)
	if conflict, _ = c.conflicts.Get(id); conflict.Resolved {
		unlock()
		return conflict, replerr.Newf(replerr.KindValidation, replerr.OpResolve, "conflict %s already resolved", id)
	}
	if current, has := c.store.Get(conflict.Key); has {
		conflict.Local = current
	}

	vc := repair.MergedClock(conflict.Local, conflict.Remote)
	vc.Merge(c.clocks.Clock(conflict.Key))
	vc.Increment(c.cfg.Region)
	vd := storage.NewVersionedData(data, vc, c.cfg.Region, c.now())

	res := repair.Resolution{Data: vd.Data, Timestamp: vd.Timestamp, Origin: vd.OriginRegion}
	resolved, err := c.applyLocked(conflict, vd, res, repair.StrategyManual)
	unlock()
	if err != nil {
		return conflict, err
	}

	level.Info(c.logger).Log("msg", "conflict resolved manually", "conflict", id, "key", conflict.Key, "clock", vc.String())
	c.mirrorVersion(ctx, conflict.Key, vd)

	targets, _ := c.guard.Filter(c.cfg.Region, c.peers())
	w := consistency.Write{Key: conflict.Key, Origin: c.cfg.Region, Clock: vc}
	if _, err := c.fanOut(ctx, c.defaultSt, w, vd, c.cfg.DefaultTable, targets); err != nil {
		return resolved, err
	}
	return resolved, nil
}

// PendingConflictsFor returns the unresolved conflicts on key.
func (c *Coordinator) PendingConflictsFor(key string) []repair.Conflict {
	return c.conflicts.PendingFor(key)
}
