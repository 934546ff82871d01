package main

import (
	"errors"
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/trailhead/pkg/api"
	"github.com/petrijr/trailhead/pkg/worker"
)

func (a *app) statsCmd() *cobra.Command {
	var (
		variants bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "stats JOURNEY",
		Short: "Show the funnel and completion times of a journey",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, eng api.Engine) error {
			if variants {
				byVariant, err := eng.CompareVariants(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return a.printJSON(byVariant)
				}
				names := make([]string, 0, len(byVariant))
				for name := range byVariant {
					names = append(names, name)
				}
				slices.Sort(names)
				for _, name := range names {
					fmt.Fprintf(a.out, "== variant %s\n", name)
					a.printStats(byVariant[name])
				}
				return nil
			}

			stats, err := eng.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return a.printJSON(stats)
			}
			a.printStats(stats)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&variants, "variants", false, "break the numbers down by A/B variant")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func (a *app) printStats(s api.JourneyStats) {
	fmt.Fprintf(a.out, "started %d  completed %d  abandoned %d  completion %.1f%%\n",
		s.TotalStarted, s.TotalCompleted, s.TotalAbandoned, s.CompletionRate*100)
	if s.TotalCompleted > 0 {
		fmt.Fprintf(a.out, "time to complete: avg %s  median %s  p90 %s\n",
			s.AvgCompletionTime.Round(time.Second), s.MedianCompletionTime.Round(time.Second), s.P90CompletionTime.Round(time.Second))
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tENTERED\tCOMPLETED\tRATE\tAVG TIME")
	for _, row := range s.PerStep {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f%%\t%s\n",
			row.StepID, row.EnteredCount, row.CompletedCount, row.CompletionRate*100, row.AvgTimeInStep.Round(time.Second))
	}
	_ = tw.Flush()
}

func (a *app) sweepCmd() *cobra.Command {
	var (
		idle    time.Duration
		journey string
		every   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Abandon active sessions that have been idle too long",
		Long: `sweep abandons every active session whose last activity is older than the
idle threshold (default TRAILHEAD_IDLE_TIMEOUT) with reason "idle_timeout".
With --every it keeps sweeping until interrupted.`,
		Args: cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, eng api.Engine) error {
			if idle == 0 {
				idle = a.cfg.IdleTimeout
			}
			s := worker.NewSweeperWithConfig(eng, idle, worker.Config{
				JourneyID: journey,
				Logger:    a.logger,
			})
			if every > 0 {
				err := s.Run(cmd.Context(), every)
				if errors.Is(err, cmd.Context().Err()) {
					return nil
				}
				return err
			}
			n, err := s.SweepOnce(cmd.Context())
			fmt.Fprintf(a.out, "abandoned %d idle session(s)\n", n)
			return err
		}),
	}
	cmd.Flags().DurationVar(&idle, "idle", 0, "idle threshold (default TRAILHEAD_IDLE_TIMEOUT)")
	cmd.Flags().StringVar(&journey, "journey", "", "only sweep this journey")
	cmd.Flags().DurationVar(&every, "every", 0, "repeat at this interval until interrupted")
	return cmd
}
