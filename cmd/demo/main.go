// Command demo shows crash recovery end to end against the in-memory store:
// transfers are interrupted mid-flight, a fresh engine is started on the same
// data directory, and every transfer finishes from where it stopped.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/bucket-bridge/internal/controller"
	"github.com/ChuLiYu/bucket-bridge/internal/storage"
	"github.com/ChuLiYu/bucket-bridge/internal/storage/memstore"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

const (
	bucket = "demo"
	mib    = 1 << 20
)

func main() {
	var dir string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Interrupt transfers and resume them in a new engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			if dir == "" {
				tmp, err := os.MkdirTemp("", "bucket-bridge-demo-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmp)
				dir = tmp
			}
			return run(cmd.Context(), dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "working directory (default: a temporary directory)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show engine logs")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type download struct {
	key  string
	data []byte
	hold int64
}

func run(ctx context.Context, dir string) error {
	store := memstore.New()
	if err := store.CreateBucket(ctx, bucket); err != nil {
		return err
	}
	cfg := controller.Config{
		Workers:            4,
		QueueCapacity:      8,
		PartSize:           5 * mib,
		MultipartThreshold: 5 * mib,
		ProgressInterval:   50 * time.Millisecond,
		DataDir:            filepath.Join(dir, "state"),
		DrainTimeout:       100 * time.Millisecond,
	}

	// ========================================================================
	// 第一階段：開始傳輸，在中途卡住
	// ========================================================================

	downloads := []download{
		{key: "video-a.mp4", hold: 2 * mib},
		{key: "video-b.mp4", hold: 4 * mib},
		{key: "video-c.mp4", hold: 6 * mib},
	}
	var releases []func()
	var reqs []types.TransferRequest
	for i := range downloads {
		d := &downloads[i]
		d.data = randomBytes(8 * mib)
		store.Put(bucket, d.key, d.data)
		releases = append(releases, store.Hold(bucket, d.key, d.hold))
		reqs = append(reqs, types.TransferRequest{
			Direction:  types.DirectionDownload,
			LocalPath:  filepath.Join(dir, d.key),
			Remote:     types.Locator{Account: "default", Bucket: bucket, Key: d.key},
			TotalBytes: types.SizeUnknown,
		})
	}

	// The upload loses its second part once and resumes from the first.
	archive := randomBytes(12 * mib)
	archivePath := filepath.Join(dir, "archive.tar")
	if err := os.WriteFile(archivePath, archive, 0o644); err != nil {
		return err
	}
	store.InjectFault(bucket, "backup/archive.tar", memstore.Fault{
		At:  2,
		Err: storage.NewError("upload-part", bucket, "backup/archive.tar", storage.ErrTransient, fmt.Errorf("connection reset by peer")),
	})
	reqs = append(reqs, types.TransferRequest{
		Direction:  types.DirectionUpload,
		LocalPath:  archivePath,
		Remote:     types.Locator{Account: "default", Bucket: bucket, Key: "backup/archive.tar"},
		TotalBytes: int64(len(archive)),
	})

	first, err := controller.New(cfg, storage.Single(store))
	if err != nil {
		return err
	}
	if err := first.Start(ctx); err != nil {
		return err
	}
	fmt.Println("✓ Engine #1 started")

	ids, err := first.SubmitTransfers(ctx, reqs)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Submitted %d transfers\n\n", len(ids))

	if err := waitFor(ctx, 10*time.Second, func() bool {
		for i, d := range downloads {
			job, ok := first.Job(ids[i])
			if !ok || job.TransferredBytes < d.hold {
				return false
			}
		}
		job, ok := first.Job(ids[len(ids)-1])
		return ok && job.State.Terminal()
	}); err != nil {
		return fmt.Errorf("transfers did not reach their stall points: %w", err)
	}
	printJobs("Status before the crash", first.ListJobs())

	// ========================================================================
	// 模擬崩潰：中斷所有進行中的傳輸
	// ========================================================================

	fmt.Println("\n⚡ Interrupting engine #1 with transfers in flight...")
	crashCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	_ = first.Shutdown(crashCtx)
	cancel()
	for _, release := range releases {
		release()
	}

	// ========================================================================
	// 第二階段：新引擎從快照與 WAL 恢復
	// ========================================================================

	second, err := controller.New(cfg, storage.Single(store))
	if err != nil {
		return err
	}
	if err := second.Start(ctx); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = second.Shutdown(sctx)
	}()
	fmt.Println("✓ Engine #2 recovered")
	printJobs("Status right after recovery", second.ListJobs())

	if err := waitFor(ctx, 30*time.Second, func() bool {
		st := second.Stats()
		return st.Queued == 0 && st.InProgress == 0
	}); err != nil {
		return fmt.Errorf("recovered transfers did not finish: %w", err)
	}
	printJobs("Final status", second.ListJobs())

	fmt.Println("\n🔎 Verification:")
	for _, d := range downloads {
		got, err := os.ReadFile(filepath.Join(dir, d.key))
		ok := err == nil && bytes.Equal(got, d.data)
		fmt.Printf("  %s  intact=%v  range reads at %v\n", d.key, ok, store.Offsets(bucket, d.key))
	}
	uploaded, _ := store.Object(bucket, "backup/archive.tar")
	fmt.Printf("  backup/archive.tar  intact=%v  pending multipart uploads=%d\n",
		bytes.Equal(uploaded, archive), store.PendingUploads())
	return nil
}

func printJobs(title string, jobs []types.Job) {
	fmt.Printf("\n📊 %s:\n", title)
	for _, j := range jobs {
		total := "?"
		if j.TotalBytes >= 0 {
			total = fmt.Sprintf("%.1fMiB", float64(j.TotalBytes)/mib)
		}
		fmt.Printf("  %-8s %-22s %-11s %5.1fMiB / %-8s attempt=%d\n",
			j.Direction, filepath.Base(j.Remote.Key), j.State, float64(j.TransferredBytes)/mib, total, j.Attempt)
	}
}

func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}
