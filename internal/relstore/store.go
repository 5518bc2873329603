// Package relstore publishes replicated versions into a relational store
// with an idempotent upsert keyed by id. Durability and intra-region
// replication are left to the database.
package relstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	// PostgreSQL driver
	_ "github.com/lib/pq"

	"georepl/internal/clock"
	"georepl/internal/logging"
	"georepl/internal/storage"
)

// DefaultTable receives changes that do not name a table.
const DefaultTable = "replicated_records"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Config describes one regional database.
type Config struct {
	Driver          string        `toml:"driver" validate:"omitempty,oneof=postgres sqlite3"`
	DSN             string        `toml:"dsn" validate:"required"`
	Table           string        `toml:"table"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

func (c *Config) setDefaults() {
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
}

// Store writes versions into one database.
type Store struct {
	db           *sql.DB
	driver       string
	defaultTable string
	logger       log.Logger
}

// Open connects to the database and creates the default table.
func Open(ctx context.Context, cfg Config, logger log.Logger) (*Store, error) {
	cfg.setDefaults()
	if !identifier.MatchString(cfg.Table) {
		return nil, errors.Errorf("invalid table name %q", cfg.Table)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", cfg.Driver)
	}

	if cfg.Driver == "sqlite3" {
		// one connection, so an in-memory database is shared
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "connect to %s database", cfg.Driver)
	}

	s := &Store{
		db:           db,
		driver:       cfg.Driver,
		defaultTable: cfg.Table,
		logger:       logging.Component(logger, "relstore"),
	}
	if err := s.EnsureTable(ctx, cfg.Table); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureTable creates table if it does not exist.
func (s *Store) EnsureTable(ctx context.Context, table string) error {
	if !identifier.MatchString(table) {
		return errors.Errorf("invalid table name %q", table)
	}

	blob := "BYTEA"
	if s.driver == "sqlite3" {
		blob = "BLOB"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data %s NOT NULL,
		vector_clock TEXT NOT NULL,
		ts BIGINT NOT NULL,
		origin_region TEXT NOT NULL,
		checksum TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`, table, blob)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrapf(err, "create table %s", table)
	}
	return nil
}

// PublishChange upserts vd as row key of table. An empty table selects the
// default one. Re-publishing the same version leaves the row unchanged.
func (s *Store) PublishChange(ctx context.Context, table, key string, vd storage.VersionedData) error {
	if table == "" {
		table = s.defaultTable
	}
	if !identifier.MatchString(table) {
		return errors.Errorf("invalid table name %q", table)
	}

	vc, err := json.Marshal(vd.VectorClock)
	if err != nil {
		return errors.Wrap(err, "encode vector clock")
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, data, vector_clock, ts, origin_region, checksum, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			data = excluded.data,
			vector_clock = excluded.vector_clock,
			ts = excluded.ts,
			origin_region = excluded.origin_region,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at`, table)

	_, err = s.db.ExecContext(ctx, query,
		key, vd.Data, string(vc), vd.Timestamp, vd.OriginRegion, vd.Checksum, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "upsert %s/%s", table, key)
	}

	level.Debug(s.logger).Log("msg", "published change", "table", table, "key", key, "checksum", vd.Checksum)
	return nil
}

// Get reads row key of table.
func (s *Store) Get(ctx context.Context, table, key string) (storage.VersionedData, bool, error) {
	if table == "" {
		table = s.defaultTable
	}
	if !identifier.MatchString(table) {
		return storage.VersionedData{}, false, errors.Errorf("invalid table name %q", table)
	}

	var (
		vd storage.VersionedData
		vc string
	)
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data, vector_clock, ts, origin_region, checksum FROM %s WHERE id = $1`, table), key)
	err := row.Scan(&vd.Data, &vc, &vd.Timestamp, &vd.OriginRegion, &vd.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.VersionedData{}, false, nil
	}
	if err != nil {
		return storage.VersionedData{}, false, errors.Wrapf(err, "select %s/%s", table, key)
	}

	vd.VectorClock = clock.New()
	if err := json.Unmarshal([]byte(vc), &vd.VectorClock); err != nil {
		return storage.VersionedData{}, false, errors.Wrap(err, "decode vector clock")
	}
	return vd, true, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
