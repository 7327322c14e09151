package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/deep-research/internal/app"
	"github.com/Kocoro-lab/deep-research/internal/pipeline"
	"github.com/Kocoro-lab/deep-research/internal/streaming"
)

func (c *cli) newRunCmd() *cobra.Command {
	var (
		maxLoops int
		jsonOut  bool
		output   string
	)
	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Research a task and print the report",
		Long: `Run one research session in-process. Progress goes to stderr and the
report to stdout, or to --output. Ctrl-C cancels the session.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			stream, err := svc.Pipeline.Start(ctx, pipeline.Request{
				Task:     strings.Join(args, " "),
				MaxLoops: maxLoops,
			})
			if err != nil {
				return err
			}

			report := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				report = f
			}
			return printEvents(stream.Events, report, cmd.ErrOrStderr(), jsonOut)
		},
	}
	cmd.Flags().IntVar(&maxLoops, "max-loops", pipeline.DefaultMaxLoops, "maximum review loops (1-5)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print every event as a JSON line instead of the report")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the report to a file")
	return cmd
}

// printEvents drains events until the channel closes. The report goes to
// report and progress to progress; with jsonOut every event is written to
// report as one JSON line. A session that ends in error or cancellation
// returns an error.
func printEvents(events <-chan streaming.Event, report, progress io.Writer, jsonOut bool) error {
	var final error
	for evt := range events {
		if jsonOut {
			fmt.Fprintf(report, "%s\n", evt.Marshal())
		} else {
			printEvent(evt, report, progress)
		}
		switch evt.Type {
		case streaming.EventError:
			final = fmt.Errorf("research failed: %v", evt.Data["message"])
		case streaming.EventCancelled:
			final = context.Canceled
		}
	}
	return final
}

func printEvent(evt streaming.Event, report, progress io.Writer) {
	switch evt.Type {
	case streaming.EventSessionStart:
		fmt.Fprintf(progress, "session %s\n", evt.SessionID)
	case streaming.EventQueued:
		fmt.Fprintf(progress, "queued at position %v\n", evt.Data["position"])
	case streaming.EventProgress:
		fmt.Fprintf(progress, "[%v] %v\n", evt.Data["phase"], evt.Data["message"])
	case streaming.EventPlanner:
		b, _ := json.Marshal(evt.Data["sub_queries"])
		fmt.Fprintf(progress, "planned %s\n", b)
	case streaming.EventResearcherSearch:
		fmt.Fprintf(progress, "searching %q\n", evt.Data["query"])
	case streaming.EventReviewer:
		fmt.Fprintf(progress, "review: %v\n", evt.Data["feedback"])
	case streaming.EventReportChunk:
		fmt.Fprint(report, evt.Data["content"])
	case streaming.EventSaved:
		fmt.Fprintf(progress, "\nsaved as %v\n", evt.Data["id"])
	case streaming.EventError:
		fmt.Fprintf(progress, "\nerror: %v\n", evt.Data["message"])
	case streaming.EventCancelled:
		fmt.Fprintln(progress, "\ncancelled")
	case streaming.EventDone:
		fmt.Fprintln(report)
	}
}
