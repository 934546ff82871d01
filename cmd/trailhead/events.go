package main

import (
	"fmt"
	"iter"

	"github.com/spf13/cobra"

	"github.com/petrijr/trailhead/pkg/api"
)

func (a *app) eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events SESSION",
		Short: "Print a session's event history, one JSON object per line",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, eng api.Engine) error {
			if _, err := eng.GetSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := a.printEvents(eng.Events(cmd.Context(), args[0]), 0)
			return err
		}),
	}
}

func (a *app) feedCmd() *cobra.Command {
	var (
		after int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Print events across all sessions after a position cursor",
		Long: `feed prints events in global append order, one JSON object per line.
Pass the last printed position back with --after to continue without
skipping or repeating events.`,
		Args: cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, eng api.Engine) error {
			last, err := a.printEvents(eng.Feed(cmd.Context(), after), limit)
			if err != nil {
				return err
			}
			a.logger.Debug("feed read", "after", after, "last_position", last)
			return nil
		}),
	}
	cmd.Flags().Int64Var(&after, "after", 0, "exclusive position cursor")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many events (0: all)")
	return cmd
}

// printEvents writes up to limit events and returns the last position seen.
func (a *app) printEvents(seq iter.Seq2[api.Event, error], limit int) (int64, error) {
	var (
		last int64
		n    int
	)
	for ev, err := range seq {
		if err != nil {
			return last, err
		}
		line, err := output.MarshalToString(ev)
		if err != nil {
			return last, err
		}
		fmt.Fprintln(a.out, line)
		last = ev.Position
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return last, nil
}
