package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"georepl/internal/api"
	"georepl/internal/cache"
	"georepl/internal/codec"
	"georepl/internal/config"
	"georepl/internal/logging"
	"georepl/internal/metrics"
	"georepl/internal/objrepl"
	"georepl/internal/peer"
	"georepl/internal/relstore"
	"georepl/internal/replication"
	"georepl/internal/storage"
	"georepl/internal/stream"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replication service of one region",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, envFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "georepl.toml", "Path to the TOML configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Optional file of GEOREPL_* overrides")
	return cmd
}

// daemon holds what serve must release on exit.
type daemon struct {
	logger  log.Logger
	closers []func() error
}

func (d *daemon) onClose(f func() error) {
	d.closers = append(d.closers, f)
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			level.Warn(d.logger).Log("msg", "close failed", "err", err)
		}
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.With(logging.New(cfg.Log), "region", cfg.Region)
	d := &daemon{logger: logger}
	defer d.close()

	m := metrics.NewDiscard()
	if cfg.Metrics.Enabled {
		m = metrics.NewPrometheus(cfg.Region)
	}

	clients := peer.NewClientManager(cfg.PeerAddrs())
	d.onClose(clients.Close)

	sinks := []replication.Sink{peer.NewSink(clients, codec.Default)}
	var mirrors mirrorSet

	if cfg.Postgres != nil {
		sink, local, err := openDatabases(ctx, cfg, logger, d)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
		mirrors = append(mirrors, local)
	}

	var redisCache *cache.Cache
	if cfg.Redis != nil {
		redisCache = cache.New(*cfg.Redis, logger)
		d.onClose(redisCache.Close)
		if err := redisCache.Ping(ctx); err != nil {
			return err
		}
		sinks = append(sinks, redisCache)
		mirrors = append(mirrors, redisCache)
	}

	var kafka *stream.Stream
	if cfg.Kafka != nil {
		var err error
		if kafka, err = stream.Dial(*cfg.Kafka, logger); err != nil {
			return err
		}
		d.onClose(kafka.Close)
		sinks = append(sinks, stream.Sink{Stream: kafka})
	}

	opts := []replication.Option{
		replication.WithLogger(logger),
		replication.WithMetrics(m),
		replication.WithSinks(sinks...),
		replication.WithSampler(peer.NewSampler(clients)),
	}
	if len(mirrors) > 0 {
		opts = append(opts, replication.WithMirror(mirrors))
	}
	coord := replication.New(cfg.ToReplication(), opts...)
	if err := coord.Initialize(ctx); err != nil {
		return err
	}
	d.onClose(func() error { return coord.Shutdown(context.Background()) })

	if cfg.S3 != nil {
		if err := configureObjects(ctx, cfg, logger); err != nil {
			return err
		}
	}

	// consumers must stop before the stream is closed
	listenCtx, cancelListen := context.WithCancel(ctx)
	d.onClose(func() error { cancelListen(); return nil })
	if redisCache != nil {
		sub, err := redisCache.Listen(listenCtx, cfg.Region, coord)
		if err != nil {
			return err
		}
		d.onClose(sub.Close)
	}
	if kafka != nil {
		if err := kafka.Listen(listenCtx, cfg.Region, coord); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	node := peer.NewNode(cfg.Region, cfg.ListenAddr, peer.NewServer(coord, cfg.Region, codec.Default, logger), logger)
	api.RegisterClientServer(node.Registrar(), api.NewServer(coord, logger))
	g.Go(node.Start)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		level.Info(logger).Log("msg", "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		node.Stop()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return coord.Shutdown(shutdownCtx)
	})

	level.Info(logger).Log("msg", "region started", "listen", cfg.ListenAddr, "peers", len(cfg.PeerRegions()), "sinks", len(sinks))
	return g.Wait()
}

// openDatabases opens one store per configured region. Peer stores back the
// relational sink; the local store mirrors local state.
func openDatabases(ctx context.Context, cfg *config.Config, logger log.Logger, d *daemon) (*relstore.Sink, replication.Mirror, error) {
	peers := make(map[string]*relstore.Store)
	var local *relstore.Store

	for _, region := range cfg.Postgres.Regions() {
		sc, _ := cfg.Postgres.Store(region)
		st, err := relstore.Open(ctx, sc, log.With(logger, "db_region", region))
		if err != nil {
			return nil, nil, err
		}
		if err := st.EnsureTable(ctx, sc.Table); err != nil {
			st.Close()
			return nil, nil, err
		}
		if region == cfg.Region {
			local = st
			d.onClose(st.Close)
		} else {
			peers[region] = st
		}
	}

	sink := relstore.NewSink(peers)
	d.onClose(sink.Close)
	return sink, localDB{store: local, table: cfg.Postgres.Table}, nil
}

func configureObjects(ctx context.Context, cfg *config.Config, logger log.Logger) error {
	api, err := objrepl.NewClient(ctx, *cfg.S3)
	if err != nil {
		return err
	}
	rep, err := objrepl.NewReplicator(api, cfg.Region, *cfg.S3, logger)
	if err != nil {
		return err
	}
	if err := rep.Apply(ctx); err != nil {
		return err
	}
	report, err := rep.Report(ctx)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "object replication configured", "bucket", report.Bucket, "rules", len(report.Rules), "in_sync", report.InSync())
	return nil
}

// localDB mirrors local versions into the region's own database.
type localDB struct {
	store *relstore.Store
	table string
}

func (l localDB) Mirror(ctx context.Context, key string, vd storage.VersionedData) error {
	return l.store.PublishChange(ctx, l.table, key, vd)
}

// mirrorSet mirrors into every member and joins their errors.
type mirrorSet []replication.Mirror

func (s mirrorSet) Mirror(ctx context.Context, key string, vd storage.VersionedData) error {
	var errs []error
	for _, m := range s {
		if err := m.Mirror(ctx, key, vd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
