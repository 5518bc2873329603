package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"georepl/internal/api"
	"georepl/internal/clock"
)

// clientFlags are shared by the commands that call a running region.
type clientFlags struct {
	addr    string
	timeout time.Duration
}

func (f *clientFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "localhost:7400", "Address of the region's gRPC listener")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "Deadline of the call")
}

// call dials the region, runs fn and prints its result as JSON.
func (f *clientFlags) call(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) (interface{}, error)) error {
	conn, err := grpc.NewClient(f.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()

	out, err := fn(ctx, api.NewClient(conn))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newPutCmd() *cobra.Command {
	var (
		f    clientFlags
		req  api.ReplicateRequest
		deps []string
	)
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key through a running region",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Key, req.Data = args[0], []byte(args[1])
			for _, d := range deps {
				vc, err := clock.Parse(d)
				if err != nil {
					return err
				}
				req.Dependencies = append(req.Dependencies, vc)
			}
			return f.call(cmd, func(ctx context.Context, c *api.Client) (interface{}, error) {
				return c.Replicate(ctx, &req)
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&req.Level, "level", "", "Consistency level (default: the region's)")
	cmd.Flags().StringSliceVar(&req.Targets, "target", nil, "Target regions (default: every peer)")
	cmd.Flags().StringVar(&req.Session, "session", "", "Session id for read-your-writes")
	cmd.Flags().StringArrayVar(&deps, "dep", nil, `Causal dependency clock, e.g. '{"eu":3}'`)
	cmd.Flags().StringVar(&req.Table, "table", "", "Relational table of the record")
	cmd.Flags().StringVar(&req.TenantID, "tenant", "", "Tenant id for residency rules")
	cmd.Flags().StringVar(&req.TenantRegion, "tenant-region", "", "Home region of the tenant")
	return cmd
}

func newGetCmd() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read the local version of a key from a running region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.call(cmd, func(ctx context.Context, c *api.Client) (interface{}, error) {
				return c.Get(ctx, &api.GetRequest{Key: args[0]})
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func newConflictsCmd() *cobra.Command {
	var (
		f   clientFlags
		req api.ConflictsRequest
	)
	cmd := &cobra.Command{
		Use:   "conflicts [key]",
		Short: "List the conflicts recorded by a running region",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Key = args[0]
			}
			return f.call(cmd, func(ctx context.Context, c *api.Client) (interface{}, error) {
				return c.Conflicts(ctx, &req)
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVar(&req.PendingOnly, "pending", false, "Only unresolved conflicts")
	return cmd
}

func newResolveCmd() *cobra.Command {
	var (
		f     clientFlags
		retry bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id> [merged-value]",
		Short: "Settle a pending conflict with a merged value, or retry its resolver",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.ResolveRequest{ID: args[0], Retry: retry}
			if len(args) == 2 {
				req.Data = []byte(args[1])
			} else if !retry {
				return errors.New("a merged value is required unless --retry is set")
			}
			return f.call(cmd, func(ctx context.Context, c *api.Client) (interface{}, error) {
				return c.Resolve(ctx, &req)
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVar(&retry, "retry", false, "Run the configured resolver again instead of merging")
	return cmd
}

func newLagCmd() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "lag [region]",
		Short: "Show replication lag as seen by a running region",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.LagRequest{}
			if len(args) == 1 {
				req.Region = args[0]
			}
			return f.call(cmd, func(ctx context.Context, c *api.Client) (interface{}, error) {
				return c.Lag(ctx, &req)
			})
		},
	}
	f.bind(cmd)
	return cmd
}
