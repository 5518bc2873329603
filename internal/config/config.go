package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"georepl/internal/cache"
	"georepl/internal/consistency"
	replerr "georepl/internal/errors"
	"georepl/internal/lag"
	"georepl/internal/locality"
	"georepl/internal/logging"
	"georepl/internal/objrepl"
	"georepl/internal/relstore"
	"georepl/internal/repair"
	"georepl/internal/replication"
	"georepl/internal/stream"
)

const (
	DefaultListenAddr       = ":7400"
	DefaultPerRegionTimeout = 5 * time.Second
)

// Peer represents a peer region and the address of its replication service.
type Peer struct {
	ID   string
	Addr string
}

// Config holds the region daemon configuration.
type Config struct {
	Region     string `toml:"region" validate:"required"`
	ListenAddr string `toml:"listen_addr" validate:"required"`
	// Peers is a comma-separated "region=addr" list.
	Peers string `toml:"peers"`

	Consistency Consistency `toml:"consistency"`
	Conflict    Conflict    `toml:"conflict"`
	Lag         Lag         `toml:"lag"`
	Locality    Locality    `toml:"locality"`

	// Optional adapters; a missing section disables the adapter.
	Postgres *Postgres       `toml:"postgres"`
	Redis    *cache.Config   `toml:"redis"`
	Kafka    *stream.Config  `toml:"kafka"`
	S3       *objrepl.Config `toml:"s3"`

	Log     logging.Config `toml:"log"`
	Metrics Metrics        `toml:"metrics"`

	peers []Peer
}

// Consistency configures propagation.
type Consistency struct {
	Level                 string        `toml:"level"`
	MaxStaleness          time.Duration `toml:"max_staleness" validate:"gte=0"`
	PerRegionTimeout      time.Duration `toml:"per_region_timeout" validate:"gte=0"`
	CancelOnCallerTimeout bool          `toml:"cancel_on_caller_timeout"`
}

// Conflict selects the automatic resolution strategy.
type Conflict struct {
	Strategy string `toml:"strategy" validate:"omitempty,oneof=last-write-wins vector-clock crdt custom"`
}

// Lag configures the lag monitor.
type Lag struct {
	Threshold      time.Duration `toml:"threshold" validate:"gte=0"`
	SampleInterval time.Duration `toml:"sample_interval" validate:"gte=0"`
}

// Locality configures the data residency guard.
type Locality struct {
	Enabled bool            `toml:"enabled"`
	Rules   []locality.Rule `toml:"rules" validate:"dive"`
}

// Postgres configures the per-region relational sinks.
type Postgres struct {
	Driver          string        `toml:"driver" validate:"omitempty,oneof=postgres sqlite3"`
	Table           string        `toml:"table"`
	MaxOpenConns    int           `toml:"max_open_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	// DSNs maps a region to the DSN of its database.
	DSNs map[string]string `toml:"dsns" validate:"required,min=1,dive,required"`
}

// Store returns the relstore configuration of region.
func (p *Postgres) Store(region string) (relstore.Config, bool) {
	dsn, ok := p.DSNs[region]
	if !ok {
		return relstore.Config{}, false
	}
	return relstore.Config{
		Driver:          p.Driver,
		DSN:             dsn,
		Table:           p.Table,
		MaxOpenConns:    p.MaxOpenConns,
		ConnMaxLifetime: p.ConnMaxLifetime,
	}, true
}

// Regions returns the configured database regions, sorted.
func (p *Postgres) Regions() []string {
	out := make([]string, 0, len(p.DSNs))
	for r := range p.DSNs {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr" validate:"required_if=Enabled true"`
}

// Load reads the TOML file at path, applies environment overrides, fills in
// defaults and validates the result. envFiles are loaded with godotenv before
// the overrides are read; missing files are ignored. An empty path skips the
// file and configures the daemon from the environment alone.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := new(Config)

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, replerr.Wrap(replerr.KindConfig, replerr.OpLoadConfig, err, fmt.Sprintf("read TOML config file at '%s'", path))
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, replerr.Wrap(replerr.KindConfig, replerr.OpLoadConfig, err, fmt.Sprintf("read env file '%s'", f))
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a TOML document without reading the environment.
func Parse(data string) (*Config, error) {
	cfg := new(Config)
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, replerr.Wrap(replerr.KindConfig, replerr.OpLoadConfig, err, "decode TOML config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const envPrefix = "GEOREPL_"

// applyEnv overrides file values with GEOREPL_* variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v := getenv(envPrefix + name)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return replerr.Wrap(replerr.KindConfig, replerr.OpLoadConfig, err, envPrefix+name)
		}
		*dst = d
		return nil
	}

	str("REGION", &c.Region)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("PEERS", &c.Peers)
	str("CONSISTENCY", &c.Consistency.Level)
	str("CONFLICT_STRATEGY", &c.Conflict.Strategy)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if err := dur("MAX_STALENESS", &c.Consistency.MaxStaleness); err != nil {
		return err
	}
	if err := dur("PER_REGION_TIMEOUT", &c.Consistency.PerRegionTimeout); err != nil {
		return err
	}
	if err := dur("LAG_THRESHOLD", &c.Lag.Threshold); err != nil {
		return err
	}
	if v := getenv(envPrefix + "CANCEL_ON_CALLER_TIMEOUT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return replerr.Wrap(replerr.KindConfig, replerr.OpLoadConfig, err, envPrefix+"CANCEL_ON_CALLER_TIMEOUT")
		}
		c.Consistency.CancelOnCallerTimeout = b
	}

	if v := getenv(envPrefix + "METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.Addr = v
	}
	if v := getenv(envPrefix + "REDIS_ADDR"); v != "" {
		if c.Redis == nil {
			c.Redis = new(cache.Config)
		}
		c.Redis.Addr = v
	}
	if v := getenv(envPrefix + "REDIS_PASSWORD"); v != "" && c.Redis != nil {
		c.Redis.Password = v
	}
	if v := getenv(envPrefix + "KAFKA_BROKERS"); v != "" {
		if c.Kafka == nil {
			c.Kafka = new(stream.Config)
		}
		c.Kafka.Brokers = splitList(v)
	}
	if c.S3 != nil {
		str("S3_ACCESS_KEY_ID", &c.S3.AccessKeyID)
		str("S3_SECRET_ACCESS_KEY", &c.S3.SecretAccessKey)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Consistency.Level == "" {
		c.Consistency.Level = string(consistency.Eventual)
	}
	if c.Consistency.MaxStaleness == 0 {
		c.Consistency.MaxStaleness = lag.DefaultThreshold
	}
	if c.Consistency.PerRegionTimeout == 0 {
		c.Consistency.PerRegionTimeout = DefaultPerRegionTimeout
	}
	if c.Conflict.Strategy == "" {
		c.Conflict.Strategy = string(repair.StrategyLastWriteWins)
	}
	if c.Lag.Threshold == 0 {
		c.Lag.Threshold = lag.DefaultThreshold
	}
	if c.Lag.SampleInterval == 0 {
		c.Lag.SampleInterval = lag.DefaultSampleInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "logfmt"
	}
	if c.Postgres != nil && c.Postgres.Table == "" {
		c.Postgres.Table = relstore.DefaultTable
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return replerr.Wrap(replerr.KindConfig, replerr.OpLoadConfig, err, "invalid configuration")
	}

	level, err := consistency.ParseLevel(c.Consistency.Level)
	if err != nil {
		return replerr.Wrap(replerr.KindConfig, replerr.OpLoadConfig, err, "consistency.level")
	}
	c.Consistency.Level = string(level)

	peers, err := ParsePeers(c.Peers)
	if err != nil {
		return replerr.Wrap(replerr.KindConfig, replerr.OpLoadConfig, err, "peers")
	}
	seen := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		if _, dup := seen[p.ID]; dup {
			return replerr.Newf(replerr.KindConfig, replerr.OpLoadConfig, "peer %s listed twice", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	c.peers = peers

	if c.Postgres != nil {
		if _, ok := c.Postgres.DSNs[c.Region]; !ok {
			return replerr.Newf(replerr.KindConfig, replerr.OpLoadConfig, "postgres.dsns has no entry for local region %s", c.Region)
		}
		// every peer receives writes through its database
		for _, region := range c.PeerRegions() {
			if _, ok := c.Postgres.DSNs[region]; !ok {
				return replerr.Newf(replerr.KindConfig, replerr.OpLoadConfig, "postgres.dsns has no entry for peer region %s", region)
			}
		}
	}
	if c.S3 != nil && c.S3.Bucket == "" {
		return replerr.New(replerr.KindConfig, replerr.OpLoadConfig, "s3.bucket is required")
	}
	return nil
}

// ParsePeers parses a comma-separated list of peers in the format:
// "id1=addr1,id2=addr2,id3=addr3"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected region=addr)", part)
		}

		id := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])

		if id == "" || addr == "" {
			return nil, fmt.Errorf("peer region and address cannot be empty: %s", part)
		}

		peers = append(peers, Peer{
			ID:   id,
			Addr: addr,
		})
	}

	return peers, nil
}

// PeerAddrs maps every peer region except self to its address.
func (c *Config) PeerAddrs() map[string]string {
	out := make(map[string]string, len(c.peers))
	for _, p := range c.peers {
		if p.ID != c.Region {
			out[p.ID] = p.Addr
		}
	}
	return out
}

// PeerRegions returns the peer regions except self, sorted.
func (c *Config) PeerRegions() []string {
	addrs := c.PeerAddrs()
	out := make([]string, 0, len(addrs))
	for r := range addrs {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// ToReplication builds the coordinator configuration.
func (c *Config) ToReplication() replication.Config {
	table := ""
	if c.Postgres != nil {
		table = c.Postgres.Table
	}
	return replication.Config{
		Region:                c.Region,
		Peers:                 c.PeerRegions(),
		DefaultLevel:          consistency.Level(c.Consistency.Level),
		MaxStaleness:          c.Consistency.MaxStaleness,
		PerRegionTimeout:      c.Consistency.PerRegionTimeout,
		CancelOnCallerTimeout: c.Consistency.CancelOnCallerTimeout,
		ConflictStrategy:      repair.Strategy(c.Conflict.Strategy),
		LagThreshold:          c.Lag.Threshold,
		LagSampleInterval:     c.Lag.SampleInterval,
		LocalityEnabled:       c.Locality.Enabled,
		LocalityRules:         c.Locality.Rules,
		DefaultTable:          table,
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
