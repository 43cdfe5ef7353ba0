package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/bucket-bridge/internal/config"
	"github.com/ChuLiYu/bucket-bridge/internal/server"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

// ============================================================================
// submit 命令
// ============================================================================

func buildSubmitCommand(opts *options) *cobra.Command {
	var jobFile, account string

	cmd := &cobra.Command{
		Use:   "submit [upload <local> <s3://bucket/key> | download <s3://bucket/key> <local>]",
		Short: "Submit transfers to the engine",
		Long: `Submit one transfer from the arguments, or a batch from a JSON file:

  [
    {"direction": "upload", "local_path": "a.bin",
     "remote": {"account": "default", "bucket": "b", "key": "a.bin"}}
  ]`,
		Example: `  bridge submit upload ./report.pdf s3://docs/2024/report.pdf
  bridge submit download s3://media/clip.mp4 ./clip.mp4 --account lab
  bridge submit -f jobs.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var reqs []types.TransferRequest
			var err error
			if jobFile != "" {
				reqs, err = readRequests(jobFile, account)
			} else {
				var req types.TransferRequest
				req, err = parseTransfer(args, account)
				reqs = []types.TransferRequest{req}
			}
			if err != nil {
				return err
			}

			return opts.withClient(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				ids, err := c.Submit(ctx, reqs)
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing transfer requests")
	cmd.Flags().StringVar(&account, "account", config.DefaultAccount, "account profile for the remote side")
	return cmd
}

// parseTransfer builds a request from "upload <local> <remote>" or
// "download <remote> <local>".
func parseTransfer(args []string, account string) (types.TransferRequest, error) {
	if len(args) != 3 {
		return types.TransferRequest{}, fmt.Errorf("expected: upload <local> <s3://bucket/key> or download <s3://bucket/key> <local>")
	}
	dir := types.Direction(args[0])
	var local, remote string
	switch dir {
	case types.DirectionUpload:
		local, remote = args[1], args[2]
	case types.DirectionDownload:
		remote, local = args[1], args[2]
	default:
		return types.TransferRequest{}, fmt.Errorf("unknown direction %q", args[0])
	}

	loc, err := parseLocator(remote, account)
	if err != nil {
		return types.TransferRequest{}, err
	}
	abs, err := filepath.Abs(local)
	if err != nil {
		return types.TransferRequest{}, err
	}
	if dir == types.DirectionDownload && (strings.HasSuffix(local, string(filepath.Separator)) || isDir(abs)) {
		abs = filepath.Join(abs, filepath.Base(loc.Key))
	}
	if dir == types.DirectionUpload && strings.HasSuffix(loc.Key, "/") {
		loc.Key += filepath.Base(abs)
	}
	return completeRequest(types.TransferRequest{Direction: dir, LocalPath: abs, Remote: loc}), nil
}

// parseLocator accepts s3://bucket/key or bucket/key.
func parseLocator(s, account string) (types.Locator, error) {
	s = strings.TrimPrefix(s, "s3://")
	bucket, key, ok := strings.Cut(s, "/")
	if !ok || bucket == "" || key == "" {
		return types.Locator{}, fmt.Errorf("invalid remote %q: want s3://bucket/key", s)
	}
	return types.Locator{Account: account, Bucket: bucket, Key: key}, nil
}

// readRequests loads a JSON batch; entries without an account use account.
func readRequests(path, account string) ([]types.TransferRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var reqs []types.TransferRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	for i := range reqs {
		if reqs[i].Remote.Account == "" {
			reqs[i].Remote.Account = account
		}
		if reqs[i].LocalPath != "" && !filepath.IsAbs(reqs[i].LocalPath) {
			reqs[i].LocalPath = filepath.Join(filepath.Dir(path), reqs[i].LocalPath)
		}
		reqs[i] = completeRequest(reqs[i])
	}
	return reqs, nil
}

// completeRequest fills the size of local upload sources; everything else
// starts unknown and is discovered by the worker.
func completeRequest(req types.TransferRequest) types.TransferRequest {
	if req.TotalBytes > 0 {
		return req
	}
	req.TotalBytes = types.SizeUnknown
	if req.Direction == types.DirectionUpload {
		if fi, err := os.Stat(req.LocalPath); err == nil && fi.Mode().IsRegular() {
			req.TotalBytes = fi.Size()
		}
	}
	return req
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// ============================================================================
// list / status 命令
// ============================================================================

func buildListCommand(opts *options) *cobra.Command {
	var asJSON bool
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				jobs, err := c.List(ctx)
				if err != nil {
					return err
				}
				if state != "" {
					jobs = filterState(jobs, types.JobState(state))
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(jobs)
				}
				printJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print jobs as JSON")
	cmd.Flags().StringVar(&state, "state", "", "only jobs in this state (queued, in_progress, completed, failed, cancelled)")
	return cmd
}

func filterState(jobs []types.Job, state types.JobState) []types.Job {
	out := jobs[:0]
	for _, j := range jobs {
		if j.State == state {
			out = append(out, j)
		}
	}
	return out
}

func printJobs(w io.Writer, jobs []types.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}
	fmt.Fprintf(w, "%-36s  %-8s  %-11s  %-20s  %s\n", "ID", "DIR", "STATE", "PROGRESS", "REMOTE")
	for _, j := range jobs {
		line := fmt.Sprintf("%-36s  %-8s  %-11s  %-20s  %s", j.ID, j.Direction, j.State, progress(j), j.Remote)
		if j.Reason != "" && j.State != types.StateCompleted {
			line += "  (" + j.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}
}

// progress renders "transferred/total pct".
func progress(j types.Job) string {
	if j.TotalBytes < 0 {
		return humanBytes(j.TransferredBytes) + "/?"
	}
	pct := 100.0
	if j.TotalBytes > 0 {
		pct = float64(j.TransferredBytes) * 100 / float64(j.TotalBytes)
	}
	return fmt.Sprintf("%s/%s %3.0f%%", humanBytes(j.TransferredBytes), humanBytes(j.TotalBytes), pct)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration, persistence files and, when the engine is reachable, job statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
}

func showStatus(ctx context.Context, w io.Writer, opts *options) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", opts.configFile)
	fmt.Fprintf(w, "  ├─ Workers:         %d\n", cfg.Engine.Workers)
	fmt.Fprintf(w, "  ├─ Queue Capacity:  %d\n", cfg.Engine.QueueCapacity)
	fmt.Fprintf(w, "  ├─ Max Attempts:    %d\n", cfg.Engine.MaxAttempts)
	fmt.Fprintf(w, "  └─ Part Size:       %s\n", cfg.Engine.PartSize)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Persistence:")
	fmt.Fprintf(w, "  ├─ Data Directory:  %s\n", cfg.Persistence.DataDir)
	fmt.Fprintf(w, "  ├─ Snapshot Every:  %s\n", cfg.Persistence.SnapshotInterval)
	fmt.Fprintf(w, "  └─ Max Job Age:     %s\n", cfg.Persistence.MaxJobAge)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Accounts:")
	for _, p := range cfg.Profiles() {
		fmt.Fprintf(w, "  └─ %-16s %s %s\n", p.Name, p.Backend, p.EndpointURL)
	}
	fmt.Fprintln(w)

	addr := opts.addr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	fmt.Fprintln(w, "Engine:")
	client, err := server.Dial(addr)
	if err == nil {
		defer client.Close()
		cctx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		var st server.StatusReply
		if st, err = client.Status(cctx); err == nil {
			s := st.Stats
			fmt.Fprintf(w, "  ├─ Address:      %s\n", addr)
			fmt.Fprintf(w, "  ├─ Queued:       %d (queue depth %d)\n", s.Queued, st.QueueDepth)
			fmt.Fprintf(w, "  ├─ In Progress:  %d\n", s.InProgress)
			fmt.Fprintf(w, "  ├─ Completed:    %d\n", s.Completed)
			fmt.Fprintf(w, "  ├─ Failed:       %d\n", s.Failed)
			fmt.Fprintf(w, "  ├─ Cancelled:    %d\n", s.Cancelled)
			fmt.Fprintf(w, "  └─ Throughput:   %s/s\n", humanBytes(int64(s.BytesPerSecond)))
		}
	}
	if err != nil {
		fmt.Fprintf(w, "  └─ not reachable at %s (%s)\n", addr, describe(err))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Enabled on http://%s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(w, "  └─ Disabled")
	}
	return nil
}

// ============================================================================
// cancel / retry / clear / mkbucket 命令
// ============================================================================

func buildCancelCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>...",
		Short: "Cancel queued or running jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				return forEachID(cmd.OutOrStdout(), args, "cancelled", func(id types.JobID) error {
					return c.Cancel(ctx, id)
				})
			})
		},
	}
}

func buildRetryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>...",
		Short: "Re-queue failed jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				return forEachID(cmd.OutOrStdout(), args, "queued", func(id types.JobID) error {
					return c.Retry(ctx, id)
				})
			})
		},
	}
}

// forEachID applies fn to every id, reporting each outcome, and fails if any
// call failed.
func forEachID(w io.Writer, args []string, verb string, fn func(types.JobID) error) error {
	failed := 0
	for _, arg := range args {
		if err := fn(types.JobID(arg)); err != nil {
			fmt.Fprintf(w, "%s: %s\n", arg, describe(err))
			failed++
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", arg, verb)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs not %s", failed, len(args), verb)
	}
	return nil
}

func buildClearCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [id...]",
		Short: "Remove finished jobs from the list",
		Long:  "Remove the given completed, failed or cancelled jobs; without ids, remove every finished job",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]types.JobID, len(args))
			for i, a := range args {
				ids[i] = types.JobID(a)
			}
			return opts.withClient(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				removed, err := c.Clear(ctx, ids...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs\n", len(removed))
				return nil
			})
		},
	}
}

func buildMkbucketCommand(opts *options) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "mkbucket <name>",
		Short: "Create a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				if err := c.CreateBucket(ctx, account, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "bucket %s created\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", config.DefaultAccount, "account profile to create the bucket with")
	return cmd
}

// describe strips the gRPC envelope from remote errors.
func describe(err error) string {
	if s, ok := status.FromError(err); ok {
		return s.Message()
	}
	return err.Error()
}
