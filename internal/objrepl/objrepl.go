// Package objrepl configures and reports on object storage cross-region
// replication. It only manages the bucket's replication rules; the bytes
// are moved by the object store.
package objrepl

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	replerr "georepl/internal/errors"
	"georepl/internal/logging"
)

// Rule replicates objects under Prefix from the bucket in SourceRegion to
// DestinationBucket in DestinationRegion.
type Rule struct {
	ID                string `toml:"id"`
	SourceRegion      string `toml:"source_region" validate:"required"`
	DestinationRegion string `toml:"destination_region" validate:"required"`
	DestinationBucket string `toml:"destination_bucket" validate:"required"`
	Prefix            string `toml:"prefix"`
	Disabled          bool   `toml:"disabled"`
}

func (r Rule) id() string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("georepl-%s-to-%s", r.SourceRegion, r.DestinationRegion)
}

// Config holds the local bucket and its rules.
type Config struct {
	Bucket          string `toml:"bucket"`
	RoleARN         string `toml:"role_arn"`
	AWSRegion       string `toml:"aws_region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Rules           []Rule `toml:"rules" validate:"dive"`
}

// API is the subset of the S3 client used here.
type API interface {
	PutBucketReplication(ctx context.Context, in *s3.PutBucketReplicationInput, optFns ...func(*s3.Options)) (*s3.PutBucketReplicationOutput, error)
	GetBucketReplication(ctx context.Context, in *s3.GetBucketReplicationInput, optFns ...func(*s3.Options)) (*s3.GetBucketReplicationOutput, error)
}

// NewClient builds an S3 client from cfg. A custom endpoint switches to
// path-style addressing for S3-compatible stores.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}

	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	return s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Replicator manages the replication rules of the local region's bucket.
type Replicator struct {
	api    API
	region string
	cfg    Config
	logger log.Logger
}

// NewReplicator validates the rules that originate in region.
func NewReplicator(api API, region string, cfg Config, logger log.Logger) (*Replicator, error) {
	if cfg.Bucket == "" {
		return nil, replerr.New(replerr.KindConfig, replerr.OpInitialize, "object replication needs a bucket")
	}
	if cfg.RoleARN == "" {
		return nil, replerr.New(replerr.KindConfig, replerr.OpInitialize, "object replication needs a role ARN")
	}
	for _, r := range cfg.Rules {
		if r.SourceRegion == r.DestinationRegion {
			return nil, replerr.Newf(replerr.KindConfig, replerr.OpInitialize, "rule %s replicates %s onto itself", r.id(), r.SourceRegion)
		}
		if r.DestinationBucket == "" {
			return nil, replerr.Newf(replerr.KindConfig, replerr.OpInitialize, "rule %s has no destination bucket", r.id())
		}
	}
	return &Replicator{api: api, region: region, cfg: cfg, logger: logging.Component(logger, "objrepl")}, nil
}

// LocalRules returns the rules whose source is the local region.
func (r *Replicator) LocalRules() []Rule {
	var out []Rule
	for _, rule := range r.cfg.Rules {
		if rule.SourceRegion == r.region {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id() < out[j].id() })
	return out
}

// Apply replaces the bucket's replication configuration with the local
// rules. It is a no-op when no rule originates here.
func (r *Replicator) Apply(ctx context.Context) error {
	rules := r.LocalRules()
	if len(rules) == 0 {
		return nil
	}

	s3Rules := make([]types.ReplicationRule, 0, len(rules))
	for _, rule := range rules {
		status := types.ReplicationRuleStatusEnabled
		if rule.Disabled {
			status = types.ReplicationRuleStatusDisabled
		}
		s3Rules = append(s3Rules, types.ReplicationRule{
			ID:     aws.String(rule.id()),
			Prefix: aws.String(rule.Prefix),
			Status: status,
			Destination: &types.Destination{
				Bucket: aws.String(bucketARN(rule.DestinationBucket)),
			},
		})
	}

	_, err := r.api.PutBucketReplication(ctx, &s3.PutBucketReplicationInput{
		Bucket: aws.String(r.cfg.Bucket),
		ReplicationConfiguration: &types.ReplicationConfiguration{
			Role:  aws.String(r.cfg.RoleARN),
			Rules: s3Rules,
		},
	})
	if err != nil {
		return replerr.Transport(replerr.OpInitialize, r.region, errors.Wrapf(err, "put replication on %s", r.cfg.Bucket))
	}

	level.Info(r.logger).Log("msg", "applied object replication", "bucket", r.cfg.Bucket, "rules", len(s3Rules))
	return nil
}

// RuleStatus is one rule as reported by the object store.
type RuleStatus struct {
	ID                string
	Prefix            string
	DestinationBucket string
	Enabled           bool
}

// Report compares the bucket's live rules with the configured ones.
type Report struct {
	Bucket  string
	Role    string
	Rules   []RuleStatus
	Missing []string
	Unknown []string
}

// InSync reports whether every configured rule is live and nothing else is.
func (rep Report) InSync() bool {
	return len(rep.Missing) == 0 && len(rep.Unknown) == 0
}

// Report reads the bucket's replication configuration.
func (r *Replicator) Report(ctx context.Context) (Report, error) {
	out, err := r.api.GetBucketReplication(ctx, &s3.GetBucketReplicationInput{Bucket: aws.String(r.cfg.Bucket)})
	if err != nil {
		return Report{}, replerr.Transport(replerr.OpInitialize, r.region, errors.Wrapf(err, "get replication of %s", r.cfg.Bucket))
	}

	rep := Report{Bucket: r.cfg.Bucket}
	live := make(map[string]struct{})
	if out.ReplicationConfiguration != nil {
		rep.Role = aws.ToString(out.ReplicationConfiguration.Role)
		for _, rule := range out.ReplicationConfiguration.Rules {
			st := RuleStatus{
				ID:      aws.ToString(rule.ID),
				Prefix:  aws.ToString(rule.Prefix),
				Enabled: rule.Status == types.ReplicationRuleStatusEnabled,
			}
			if rule.Destination != nil {
				st.DestinationBucket = strings.TrimPrefix(aws.ToString(rule.Destination.Bucket), arnPrefix)
			}
			rep.Rules = append(rep.Rules, st)
			live[st.ID] = struct{}{}
		}
	}

	want := make(map[string]struct{})
	for _, rule := range r.LocalRules() {
		want[rule.id()] = struct{}{}
		if _, ok := live[rule.id()]; !ok {
			rep.Missing = append(rep.Missing, rule.id())
		}
	}
	for _, st := range rep.Rules {
		if _, ok := want[st.ID]; !ok {
			rep.Unknown = append(rep.Unknown, st.ID)
		}
	}
	sort.Strings(rep.Unknown)
	return rep, nil
}

const arnPrefix = "arn:aws:s3:::"

func bucketARN(bucket string) string {
	if strings.HasPrefix(bucket, "arn:") {
		return bucket
	}
	return arnPrefix + bucket
}
