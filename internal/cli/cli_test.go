package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bucket-bridge/internal/controller"
	"github.com/ChuLiYu/bucket-bridge/internal/server"
	"github.com/ChuLiYu/bucket-bridge/internal/storage"
	"github.com/ChuLiYu/bucket-bridge/internal/storage/memstore"
	"github.com/ChuLiYu/bucket-bridge/internal/storage/wal"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "bridge", cmd.Use)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "submit", "list", "watch", "cancel", "retry", "clear", "mkbucket", "status", "wal"} {
		assert.True(t, commandNames[name], "should have %q command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("addr"))
}

func TestParseTransfer(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(src, []byte("0123456789"), 0o644))

	t.Run("upload measures the source", func(t *testing.T) {
		req, err := parseTransfer([]string{"upload", src, "s3://docs/2024/report.pdf"}, "default")
		require.NoError(t, err)
		assert.Equal(t, types.DirectionUpload, req.Direction)
		assert.Equal(t, src, req.LocalPath)
		assert.Equal(t, types.Locator{Account: "default", Bucket: "docs", Key: "2024/report.pdf"}, req.Remote)
		assert.Equal(t, int64(10), req.TotalBytes)
	})

	t.Run("upload into a prefix keeps the file name", func(t *testing.T) {
		req, err := parseTransfer([]string{"upload", src, "docs/archive/"}, "lab")
		require.NoError(t, err)
		assert.Equal(t, "archive/report.pdf", req.Remote.Key)
		assert.Equal(t, "lab", req.Remote.Account)
	})

	t.Run("download into a directory", func(t *testing.T) {
		req, err := parseTransfer([]string{"download", "s3://media/clips/a.mp4", dir}, "default")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "a.mp4"), req.LocalPath)
		assert.Equal(t, types.SizeUnknown, req.TotalBytes)
	})

	for _, args := range [][]string{
		{"upload", src},
		{"sideways", src, "s3://b/k"},
		{"upload", src, "s3://bucket-only"},
	} {
		_, err := parseTransfer(args, "default")
		assert.Error(t, err, "args %v", args)
	}
}

func TestReadRequests(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), make([]byte, 42), 0o644))
	path := filepath.Join(dir, "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
  {"direction": "upload", "local_path": "a.bin", "remote": {"bucket": "b", "key": "a.bin"}},
  {"direction": "download", "local_path": "/tmp/x", "remote": {"account": "lab", "bucket": "b", "key": "x"}}
]`), 0o644))

	reqs, err := readRequests(path, "default")
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, filepath.Join(dir, "a.bin"), reqs[0].LocalPath)
	assert.Equal(t, "default", reqs[0].Remote.Account)
	assert.Equal(t, int64(42), reqs[0].TotalBytes)
	assert.Equal(t, "lab", reqs[1].Remote.Account)
	assert.Equal(t, types.SizeUnknown, reqs[1].TotalBytes)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err = readRequests(path, "default")
	assert.ErrorContains(t, err, "failed to parse job file")
}

func TestProgressFormatting(t *testing.T) {
	assert.Equal(t, "512B", humanBytes(512))
	assert.Equal(t, "1.5KiB", humanBytes(1536))
	assert.Equal(t, "10.0MiB", humanBytes(10<<20))

	assert.Equal(t, "1.0KiB/?", progress(types.Job{TransferredBytes: 1024, TotalBytes: types.SizeUnknown}))
	assert.Equal(t, "512B/1.0KiB  50%", progress(types.Job{TransferredBytes: 512, TotalBytes: 1024}))
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWALCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.wal")
	w, err := wal.NewWAL(path, true)
	require.NoError(t, err)
	job := types.Job{ID: "job-1", State: types.StateQueued, Direction: types.DirectionDownload}
	require.NoError(t, w.Append(wal.EventSubmit, job, true))
	job.State = types.StateCompleted
	require.NoError(t, w.Append(wal.EventComplete, job, true))
	require.NoError(t, w.Close())

	out, err := runCLI(t, "wal", "dump", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[Seq:1] SUBMIT job-1")
	assert.Contains(t, out, "[Seq:2] COMPLETE job-1")

	out, err = runCLI(t, "wal", "stats", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Events:   2 (seq 1..2)")
	assert.Contains(t, out, "Jobs:     1")
	assert.Contains(t, out, "COMPLETE")
	assert.NotContains(t, out, "corrupted")
}

// startEngine runs a controller behind a loopback gRPC listener.
func startEngine(t *testing.T) (string, *memstore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store := memstore.New()
	require.NoError(t, store.CreateBucket(context.Background(), "media"))

	ctl, err := controller.New(controller.Config{
		Workers:          1,
		QueueCapacity:    4,
		ProgressInterval: 10 * time.Millisecond,
		DataDir:          filepath.Join(dir, "state"),
		DrainTimeout:     200 * time.Millisecond,
	}, storage.Single(store))
	require.NoError(t, err)
	require.NoError(t, ctl.Start(context.Background()))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.ServeListener(ctx, lis, ctl) }()

	t.Cleanup(func() {
		cancel()
		<-served
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = ctl.Shutdown(sctx)
	})
	return lis.Addr().String(), store, dir
}

func TestRemoteCommands(t *testing.T) {
	addr, store, dir := startEngine(t)
	noConfig := filepath.Join(dir, "absent.yaml")
	store.Put("media", "clip.mp4", bytes.Repeat([]byte("c"), 4096))
	store.Put("media", "held.mp4", bytes.Repeat([]byte("h"), 4096))
	release := store.Hold("media", "held.mp4", 0)
	defer release()

	out, err := runCLI(t, "--addr", addr, "-c", noConfig, "submit", "download", "s3://media/held.mp4", filepath.Join(dir, "held.mp4"))
	require.NoError(t, err)
	held := strings.TrimSpace(out)
	require.NotEmpty(t, held)

	out, err = runCLI(t, "--addr", addr, "-c", noConfig, "submit", "download", "s3://media/clip.mp4", filepath.Join(dir, "clip.mp4"))
	require.NoError(t, err)
	queued := strings.TrimSpace(out)

	// The single worker is stuck on held.mp4, so clip.mp4 waits in the queue.
	require.Eventually(t, func() bool {
		out, err := runCLI(t, "--addr", addr, "-c", noConfig, "list", "--state", "queued")
		return err == nil && strings.Contains(out, queued) && !strings.Contains(out, held)
	}, 5*time.Second, 20*time.Millisecond)

	out, err = runCLI(t, "--addr", addr, "-c", noConfig, "cancel", queued, "missing")
	require.Error(t, err)
	assert.Contains(t, out, queued+": cancelled")
	assert.Contains(t, out, "missing: job not found")

	out, err = runCLI(t, "--addr", addr, "-c", noConfig, "retry", queued)
	require.Error(t, err)
	assert.Contains(t, out, "only failed jobs can be retried")

	out, err = runCLI(t, "--addr", addr, "-c", noConfig, "clear", queued)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 1 jobs")

	out, err = runCLI(t, "--addr", addr, "-c", noConfig, "mkbucket", "archive")
	require.NoError(t, err)
	assert.Contains(t, out, "bucket archive created")

	out, err = runCLI(t, "--addr", addr, "-c", noConfig, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "In Progress:  1")

	release()
	out, err = runCLI(t, "--addr", addr, "-c", noConfig, "watch", "--until-idle")
	require.NoError(t, err)
	_ = out

	_, err = os.Stat(filepath.Join(dir, "held.mp4"))
	assert.NoError(t, err, "download finished before watch returned")
}
