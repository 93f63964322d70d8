package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/listmigrate/internal/config"
	"github.com/snehjoshi/listmigrate/internal/journal"
)

func newReportCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		configPath  string
		workDir     string
		journalPath string
		all         bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "List messages that failed to import",
		Long: `Prints the outcome journal. By default only messages whose last attempt
failed are listed; --all includes imported ones too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("work-dir") {
				cfg.Import.WorkDir = workDir
			}
			if cmd.Flags().Changed("journal") {
				cfg.Import.Journal = journalPath
			}

			path := cfg.JournalPath()
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(stderr, "mbox-import: no journal at %s\n", path) //nolint:errcheck // best-effort stderr
				return errExit
			}
			jr, err := journal.Open(path)
			if err != nil {
				return err
			}
			defer jr.Close()

			var entries []journal.Entry
			if all {
				err = jr.ForEach(func(e journal.Entry) error {
					entries = append(entries, e)
					return nil
				})
			} else {
				entries, err = jr.Failed()
			}
			if err != nil {
				return err
			}
			return writeReport(stdout, entries)
		},
	}
	def := config.Default()
	cmd.Flags().StringVar(&configPath, "config", "mbox-import.yaml", "optional YAML config file")
	cmd.Flags().StringVar(&workDir, "work-dir", def.Import.WorkDir, "working directory the journal belongs to")
	cmd.Flags().StringVar(&journalPath, "journal", "", "outcome journal (default <work-dir>.journal.db)")
	cmd.Flags().BoolVar(&all, "all", false, "include imported messages")
	return cmd
}

func writeReport(w io.Writer, entries []journal.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No entries.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATUS\tATTEMPTS\tRUN\tUPDATED\tREASON") //nolint:errcheck // buffered
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", //nolint:errcheck // buffered
			e.Key, e.Status, e.Attempts, e.RunID, e.UpdatedAt.Format(time.RFC3339), e.Reason)
	}
	return tw.Flush()
}
