// hashbackup: hash-based incremental file backup engine with a SQLite
// catalog, worker-pool parallel replication, and an HTML run report.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/hashbackup/hashbackup/internal/catalog"
	"github.com/hashbackup/hashbackup/internal/config"
	"github.com/hashbackup/hashbackup/internal/engine"
	"github.com/hashbackup/hashbackup/internal/report"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string
	var dryRun, dryRunFull, validateOnly, once, quiet bool
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "hashbackup",
		Short: "Hash-based incremental file backup engine",
		Long: `hashbackup discovers source files, detects changes with a bounded
content digest, records state in an embedded catalog, and mirrors
changed files to one or more destinations with post-copy verification.`,
		Example: `  # Run once against the default config.json in the current directory
  hashbackup

  # Dry run against an explicit config, without touching disk or the catalog
  hashbackup --config /etc/hashbackup/config.json --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, dryRun, dryRunFull, validateOnly, quiet, logLevel)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config.json")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Quick dry run: skip hashing, copying, and catalog writes")
	rootCmd.Flags().BoolVar(&dryRunFull, "dry-run-full", false, "Full dry run: hash but skip copying and catalog writes")
	rootCmd.Flags().BoolVar(&validateOnly, "validate-only", false, "Load and validate config, then exit")
	rootCmd.Flags().BoolVar(&once, "once", false, "Ignore any configured schedule (accepted for scheduler compatibility)")
	rootCmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress progress indicators")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "trace, debug, info, warn, or error")
	_ = once

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("HASHBACKUP_CONFIG"); env != "" {
		return env
	}
	return "config.json"
}

func run(configPath string, dryRun, dryRunFull, validateOnly, quiet bool, logLevel string) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	log.SetLevel(level)
	logrus.SetLevel(level)

	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return err
	}

	if validateOnly {
		fmt.Println("config OK")
		return nil
	}

	cat, err := catalog.Open(cfg.DatabaseFile)
	if err != nil {
		return err
	}
	defer cat.Close()

	eng := engine.New(cfg, cat, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, "\nInterrupted, finishing in-flight work and stopping.")
		eng.RequestStop()
		cancel()
	}()

	mode := engine.DryRunOff
	switch {
	case dryRun:
		mode = engine.DryRunQuick
	case dryRunFull:
		mode = engine.DryRunFull
	}

	var bar *progressbar.ProgressBar
	var stop chan struct{}
	if !quiet && isatty.IsTerminal(os.Stdout.Fd()) {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("hashbackup"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionClearOnFinish(),
		)
		stop = pollProgress(eng, bar)
	}

	summary, err := eng.Run(ctx, mode)
	if stop != nil {
		close(stop)
	}
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	printSummary(summary, quiet)

	if err := writeReport(cfg, summary); err != nil {
		log.WithError(err).Warn("could not write run report")
	}

	if summary.State == engine.StateFailed {
		os.Exit(1)
	}
	return nil
}

func pollProgress(eng *engine.Engine, bar *progressbar.ProgressBar) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st := eng.Status()
				if st.TotalFiles > 0 {
					bar.ChangeMax64(st.TotalFiles)
				}
				bar.Set64(st.FilesProcessed)
				bar.Describe(fmt.Sprintf("hashbackup [%s]", st.Phase))
			case <-stop:
				return
			}
		}
	}()
	return stop
}

func printSummary(s engine.Summary, quiet bool) {
	if quiet {
		return
	}
	fmt.Println()
	color.New(color.FgGreen).Printf("Copied: %d, ", s.Copied)
	color.New(color.FgYellow).Printf("Unchanged: %d, ", s.Unchanged)
	color.New(color.FgRed).Printf("Failed: %d, ", s.Failed)
	fmt.Printf("Prepared: %d (of %d seen)\n", s.Prepared, s.FilesSeen)
	color.New(color.FgCyan).Printf("State: %s\n", s.State)
}

func writeReport(cfg *config.Config, s engine.Summary) error {
	if cfg.DatabaseFile == ":memory:" {
		return nil
	}
	outcomes := make([]report.FileOutcome, 0, len(s.Outcomes))
	for _, o := range s.Outcomes {
		outcomes = append(outcomes, report.FileOutcome{
			SourcePath: o.SourcePath,
			DestPath:   o.DestPath,
			Status:     o.Status,
			Size:       o.Size,
			Detail:     o.Detail,
		})
	}
	reportPath := filepath.Join(filepath.Dir(cfg.DatabaseFile), fmt.Sprintf("hashbackup-report-%s.html", s.RunID))
	return report.Write(reportPath, report.Summary{
		RunID:       s.RunID,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		State:       string(s.State),
		BytesCopied: s.BytesCopied,
		Files:       outcomes,
	})
}
