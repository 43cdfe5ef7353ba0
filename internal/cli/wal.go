package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/bucket-bridge/internal/config"
	"github.com/ChuLiYu/bucket-bridge/internal/controller"
	"github.com/ChuLiYu/bucket-bridge/internal/storage/wal"
)

// ============================================================================
// wal 命令：離線檢查日誌
// ============================================================================

func buildWALCommand(opts *options) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the job journal offline",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "journal file (default: <data_dir>/jobs.wal)")

	resolve := func() (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := config.Load(opts.configFile)
		if err != nil {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		return controller.JournalPath(cfg.Persistence.DataDir), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print every journal record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			return wal.DumpWAL(p, cmd.OutOrStdout())
		},
	})

	var asJSON bool
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			st, err := wal.GetWALStats(p)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(st)
			}
			printWALStats(cmd.OutOrStdout(), p, st)
			return nil
		},
	}
	stats.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	cmd.AddCommand(stats)

	return cmd
}

func printWALStats(w io.Writer, path string, st *wal.WALStats) {
	fmt.Fprintf(w, "Journal:  %s\n", path)
	fmt.Fprintf(w, "Events:   %d (seq %d..%d)\n", st.TotalEvents, st.FirstSeq, st.LastSeq)
	fmt.Fprintf(w, "Jobs:     %d\n", st.Jobs)
	if st.TotalEvents > 0 {
		from := time.UnixMilli(st.TimeRange[0]).UTC().Format(time.RFC3339)
		to := time.UnixMilli(st.TimeRange[1]).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, "Span:     %s .. %s\n", from, to)
	}

	types := make([]string, 0, len(st.EventTypes))
	for t := range st.EventTypes {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %-9s %d\n", t, st.EventTypes[wal.EventType(t)])
	}
	if st.Corrupted {
		fmt.Fprintln(w, "!! corrupted tail: records after the last valid one are ignored on recovery")
	}
}
