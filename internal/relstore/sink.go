package relstore

import (
	"context"
	"sort"

	"georepl/internal/codec"
	replerr "georepl/internal/errors"
)

// Sink routes envelopes to the database of each target region.
type Sink struct {
	stores map[string]*Store
}

// NewSink uses stores keyed by region.
func NewSink(stores map[string]*Store) *Sink {
	return &Sink{stores: stores}
}

func (s *Sink) Name() string { return "postgres" }

// Send upserts env into region's database.
func (s *Sink) Send(ctx context.Context, region string, env codec.Envelope) error {
	st, ok := s.stores[region]
	if !ok {
		return replerr.Newf(replerr.KindConfig, replerr.OpPropagate, "no database for region %s", region)
	}
	if err := st.PublishChange(ctx, env.Table, env.Key, env.Version); err != nil {
		return replerr.Transport(replerr.OpPropagate, region, err)
	}
	return nil
}

// CheckRegions reports the regions that have no database.
func (s *Sink) CheckRegions(regions []string) error {
	var missing []string
	for _, r := range regions {
		if _, ok := s.stores[r]; !ok {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return replerr.Newf(replerr.KindConfig, replerr.OpInitialize, "no database for regions %v", missing)
	}
	return nil
}

// Close closes every store.
func (s *Sink) Close() error {
	regions := make([]string, 0, len(s.stores))
	for r := range s.stores {
		regions = append(regions, r)
	}
	sort.Strings(regions)

	var firstErr error
	for _, r := range regions {
		if err := s.stores[r].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
