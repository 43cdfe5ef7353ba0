package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/ChuLiYu/bucket-bridge/internal/server"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

// ============================================================================
// watch 命令：即時進度條
// ============================================================================

func buildWatchCommand(opts *options) *cobra.Command {
	var untilIdle bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show live progress of active jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer client.Close()
			return watch(cmd.Context(), cmd.OutOrStdout(), client, untilIdle)
		},
	}
	cmd.Flags().BoolVar(&untilIdle, "until-idle", false, "exit once no job is queued or in progress")
	return cmd
}

var errIdle = errors.New("idle")

func watch(ctx context.Context, out io.Writer, client *server.Client, untilIdle bool) error {
	display := newProgressDisplay(ctx, out)
	defer display.close()

	err := client.Watch(ctx, func(u types.Update) error {
		display.apply(u)
		if untilIdle && u.Stats.Queued == 0 && u.Stats.InProgress == 0 {
			return errIdle
		}
		return nil
	})
	if errors.Is(err, errIdle) || errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return err
}

// progressDisplay keeps one bar per non-terminal job.
type progressDisplay struct {
	progress *mpb.Progress
	bars     map[types.JobID]*mpb.Bar
	out      io.Writer
	last     time.Time
}

func newProgressDisplay(ctx context.Context, out io.Writer) *progressDisplay {
	return &progressDisplay{
		progress: mpb.NewWithContext(ctx, mpb.WithOutput(out), mpb.WithRefreshRate(150*time.Millisecond)),
		bars:     make(map[types.JobID]*mpb.Bar),
		out:      out,
		last:     time.Now(),
	}
}

func (d *progressDisplay) apply(u types.Update) {
	now := time.Now()
	elapsed := now.Sub(d.last)
	d.last = now

	for _, id := range u.Removed {
		d.drop(id, true)
	}
	for _, j := range u.Jobs {
		d.applyJob(j, elapsed)
	}
}

func (d *progressDisplay) applyJob(j types.JobUpdate, elapsed time.Duration) {
	bar, ok := d.bars[j.ID]
	switch {
	case j.State.Terminal():
		if ok {
			if j.State == types.StateCompleted {
				bar.SetCurrent(j.TransferredBytes)
				bar.SetTotal(-1, true)
			} else {
				d.drop(j.ID, false)
				fmt.Fprintf(d.out, "%s %s: %s\n", name(j.Job), j.State, j.Reason)
			}
			delete(d.bars, j.ID)
		}
		return
	case !ok:
		bar = d.addBar(j.Job)
		d.bars[j.ID] = bar
	}

	if j.TotalBytes > 0 {
		bar.SetTotal(j.TotalBytes, false)
	}
	bar.EwmaSetCurrent(j.TransferredBytes, elapsed)
}

func (d *progressDisplay) addBar(j types.Job) *mpb.Bar {
	label := fmt.Sprintf("%s %s", arrow(j.Direction), name(j))
	return d.progress.AddBar(0,
		mpb.BarFillerClearOnComplete(),
		mpb.PrependDecorators(
			decor.Name(label, decor.WCSyncSpaceR),
			decor.CountersKibiByte("% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.EwmaETA(decor.ET_STYLE_GO, 15), ""),
			decor.OnComplete(decor.Name(" ] "), ""),
			decor.OnComplete(decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 15), "done"),
		),
	)
}

func (d *progressDisplay) drop(id types.JobID, forget bool) {
	bar, ok := d.bars[id]
	if !ok {
		return
	}
	bar.Abort(true)
	bar.Wait()
	if forget {
		delete(d.bars, id)
	}
}

func (d *progressDisplay) close() {
	for id := range d.bars {
		d.drop(id, true)
	}
	d.progress.Wait()
}

func name(j types.Job) string {
	if j.Direction == types.DirectionUpload {
		return filepath.Base(j.LocalPath)
	}
	return filepath.Base(j.Remote.Key)
}

func arrow(d types.Direction) string {
	if d == types.DirectionUpload {
		return "↑"
	}
	return "↓"
}
