package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"chunk-pipeline/internal/api"
	"chunk-pipeline/internal/engine"
	"chunk-pipeline/internal/models"
)

type session struct {
	engine api.Engine
	failed api.FailedJobs
}

type opener func(ctx context.Context) (*session, func(), error)

func newRootCmd(open opener, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "chunkctl",
		Short:         "Inspect and operate chunk sinks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	// with opens a session for one command and prints what fn returns as JSON.
	with := func(fn func(ctx context.Context, rt *session, args []string) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rt, closeFn, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			result, err := fn(ctx, rt, args)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "sinks",
			Short: "List configured sinks",
			Args:  cobra.NoArgs,
			RunE: with(func(_ context.Context, rt *session, _ []string) (any, error) {
				return rt.engine.Sinks(), nil
			}),
		},
		chunksCmd(with),
		dispatchCmd(with),
		importNewCmd(with),
		&cobra.Command{
			Use:   "refresh <sink>",
			Short: "List the source again and create rows for new chunks",
			Args:  cobra.ExactArgs(1),
			RunE: with(func(ctx context.Context, rt *session, args []string) (any, error) {
				n, err := rt.engine.RefreshChunks(ctx, args[0])
				return map[string]int64{"discovered": n}, err
			}),
		},
		&cobra.Command{
			Use:   "batches [sink]",
			Short: "List running batches",
			Args:  cobra.MaximumNArgs(1),
			RunE: with(func(ctx context.Context, rt *session, args []string) (any, error) {
				sinkID := ""
				if len(args) == 1 {
					sinkID = args[0]
				}
				return rt.engine.ListActiveBatches(ctx, sinkID)
			}),
		},
		&cobra.Command{
			Use:   "status <batch-id>",
			Short: "Show the counters of a batch",
			Args:  cobra.ExactArgs(1),
			RunE: with(func(ctx context.Context, rt *session, args []string) (any, error) {
				return rt.engine.BatchStatus(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "cancel <batch-id>",
			Short: "Cancel a running batch",
			Args:  cobra.ExactArgs(1),
			RunE: with(func(ctx context.Context, rt *session, args []string) (any, error) {
				ok, err := rt.engine.CancelBatch(ctx, args[0])
				return map[string]bool{"cancelled": ok}, err
			}),
		},
		&cobra.Command{
			Use:   "remove-chunk <sink> <id>",
			Short: "Delete a chunk row no batch holds",
			Args:  cobra.ExactArgs(2),
			RunE: with(func(ctx context.Context, rt *session, args []string) (any, error) {
				id, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid chunk id %q", args[1])
				}
				if err := rt.engine.RemoveChunk(ctx, args[0], id); err != nil {
					return nil, err
				}
				return map[string]int64{"removed": id}, nil
			}),
		},
		&cobra.Command{
			Use:   "lint",
			Short: "Run the linter once",
			Args:  cobra.NoArgs,
			RunE: with(func(ctx context.Context, rt *session, _ []string) (any, error) {
				return rt.engine.Lint(ctx)
			}),
		},
		failedCmd(with),
	)
	return root
}

type runner func(fn func(ctx context.Context, rt *session, args []string) (any, error)) func(*cobra.Command, []string) error

func chunksCmd(with runner) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "chunks <sink>",
		Short: "List chunks of a sink, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, rt *session, args []string) (any, error) {
			return rt.engine.ListChunks(ctx, args[0], limit, offset)
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of chunks")
	cmd.Flags().IntVar(&offset, "offset", 0, "chunks to skip")
	return cmd
}

func dispatchCmd(with runner) *cobra.Command {
	var forceFetch, forceImport bool
	cmd := &cobra.Command{
		Use:   "dispatch <sink> <fetch|import|deleteFetched|deleteImported> <id>...",
		Short: "Dispatch an operation on chunks",
		Args:  cobra.MinimumNArgs(3),
		RunE: with(func(ctx context.Context, rt *session, args []string) (any, error) {
			op, err := models.ParseOperation(args[1])
			if err != nil {
				return nil, err
			}
			ids := make([]int64, 0, len(args)-2)
			for _, raw := range args[2:] {
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid chunk id %q", raw)
				}
				ids = append(ids, id)
			}
			batchID, err := rt.engine.Dispatch(ctx, engine.DispatchRequest{
				SinkID:      args[0],
				Operation:   op,
				ChunkIDs:    ids,
				ForceFetch:  forceFetch,
				ForceImport: forceImport,
			})
			return map[string]*string{"batch_id": batchID}, err
		}),
	}
	cmd.Flags().BoolVar(&forceFetch, "force-fetch", false, "refetch chunks that are already fetched")
	cmd.Flags().BoolVar(&forceImport, "force-import", false, "reimport chunks that are already imported")
	return cmd
}

func importNewCmd(with runner) *cobra.Command {
	var scan int
	cmd := &cobra.Command{
		Use:   "import-new <sink>",
		Short: "Import the newest chunks that were never imported",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, rt *session, args []string) (any, error) {
			batchID, err := rt.engine.ImportNewChunks(ctx, args[0], scan)
			return map[string]*string{"batch_id": batchID}, err
		}),
	}
	cmd.Flags().IntVar(&scan, "scan", engine.DefaultNewChunkScan, "newest chunks to look at")
	return cmd
}

func failedCmd(with runner) *cobra.Command {
	var count int64
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Show the most recent failed jobs",
		Args:  cobra.NoArgs,
		RunE: with(func(ctx context.Context, rt *session, _ []string) (any, error) {
			return rt.failed.FailedPeek(ctx, count)
		}),
	}
	cmd.Flags().Int64Var(&count, "count", 20, "number of failed jobs")
	return cmd
}
