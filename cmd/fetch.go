package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"clipbatch/internal/batch"
	"clipbatch/internal/job"
	"clipbatch/internal/queue"
)

const pollInterval = 250 * time.Millisecond

func newFetchCmd(configPath *string) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "fetch URL[#start-end]...",
		Short: "Download clips in-process and package them into an archive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if outDir != "" {
				cfg.DataDir = outDir
			}

			clips := make([]batch.Clip, 0, len(args))
			for _, arg := range args {
				clip, err := parseClipArg(arg)
				if err != nil {
					return err
				}
				clips = append(clips, clip)
			}

			out := cmd.OutOrStdout()
			svc, err := buildService(cfg, batch.Options{
				OnProgress: func(_ string, percent int, message string) {
					fmt.Fprintf(out, "[%3d%%] %s\n", percent, message)
				},
				OnUnitComplete: func(_ string, res queue.Result) {
					printUnit(out, res)
				},
			})
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			svc.manager.SetBaseContext(ctx)

			jobID, err := svc.manager.StartBatch(ctx, batch.Request{Clips: clips})
			if err != nil {
				return fmt.Errorf("start batch: %w", err)
			}
			view := waitForJob(ctx, svc.manager, jobID)
			svc.manager.WaitAll(context.Background())
			return report(out, view)
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "directory for downloaded clips and the archive (defaults to data_dir)")
	return cmd
}

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			text, err := cfg.YAML()
			if err != nil {
				return err //nolint:wrapcheck
			}
			_, err = cmd.OutOrStdout().Write(text)
			return err //nolint:wrapcheck
		},
	}
}

// parseClipArg reads URL or URL#start-end, bounds in seconds.
func parseClipArg(arg string) (batch.Clip, error) {
	rawURL, bounds, found := strings.Cut(arg, "#")
	clip := batch.Clip{URL: rawURL}
	if !found || bounds == "" {
		return clip, nil
	}
	startRaw, endRaw, ok := strings.Cut(bounds, "-")
	if !ok {
		return clip, fmt.Errorf("invalid clip bounds %q: want start-end", bounds)
	}
	var err error
	if clip.Start, err = strconv.ParseFloat(startRaw, 64); err != nil {
		return clip, fmt.Errorf("invalid clip start %q: %w", startRaw, err)
	}
	if clip.End, err = strconv.ParseFloat(endRaw, 64); err != nil {
		return clip, fmt.Errorf("invalid clip end %q: %w", endRaw, err)
	}
	return clip, nil
}

func waitForJob(ctx context.Context, m *batch.Manager, jobID string) job.View {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		view := m.GetStatus(jobID)
		if view.Status.Terminal() || view.Status == job.StatusNotFound {
			return view
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			// the producer fails the job once it observes cancellation
			m.WaitAll(context.Background())
			return m.GetStatus(jobID)
		}
	}
}

func printUnit(w io.Writer, res queue.Result) {
	if !res.Success {
		fmt.Fprintf(w, "  x %s: %s (attempts: %d)\n", res.UnitID, res.Error, res.Attempts)
		return
	}
	fmt.Fprintf(w, "  ok %s: %s, %s\n", res.UnitID, res.Filename, humanize.IBytes(uint64(res.FileSizeBytes)))
}

func report(w io.Writer, view job.View) error {
	if view.Status != job.StatusCompleted {
		return fmt.Errorf("batch %s %s: %s", view.ID, view.Status, view.Error)
	}
	outcome, ok := view.Result.(batch.Outcome)
	if !ok {
		return fmt.Errorf("batch %s: unexpected result %T", view.ID, view.Result)
	}
	fmt.Fprintf(w, "done: %d succeeded, %d failed, %d excluded, %s\n",
		outcome.Succeeded, outcome.Failed, outcome.Excluded, humanize.IBytes(uint64(outcome.TotalBytes)))
	for _, ex := range outcome.Exclusions {
		fmt.Fprintf(w, "  excluded %s: %s\n", ex.UnitID, ex.Reason)
	}
	fmt.Fprintf(w, "archive: %s\n", outcome.ArchivePath)
	return nil
}
