package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/trailhead/pkg/api"
)

func (a *app) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start JOURNEY USER",
		Short: "Start or resume a user's session on the latest journey version",
		Args:  cobra.ExactArgs(2),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, eng api.Engine) error {
			sess, err := eng.Start(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return a.printJSON(sess)
		}),
	}
}

func (a *app) completeCmd() *cobra.Command {
	var (
		raw  string
		sets []string
	)
	cmd := &cobra.Command{
		Use:   "complete SESSION STEP",
		Short: "Complete the session's current step with submitted data",
		Example: `  trailhead complete 3f0c... profile --set name=Ada --set seats=12
  trailhead complete 3f0c... connect --data '{"integration_connected": true}'`,
		Args: cobra.ExactArgs(2),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, eng api.Engine) error {
			data, err := parseData(raw, sets)
			if err != nil {
				return err
			}
			sess, err := eng.CompleteStep(cmd.Context(), args[0], args[1], data)
			if err != nil {
				if se, ok := api.AsStepError(err); ok {
					return fmt.Errorf("step rejected (%s): %w", se.Code, err)
				}
				return err
			}
			return a.printJSON(sess)
		}),
	}
	cmd.Flags().StringVar(&raw, "data", "", "submitted data as a JSON object")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "submitted field as key=value; JSON values are decoded (repeatable)")
	return cmd
}

// parseData merges a JSON object with key=value pairs. Values that parse as
// JSON keep their type, so --set seats=12 submits a number.
func parseData(raw string, sets []string) (map[string]any, error) {
	data := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := output.UnmarshalFromString(raw, &data); err != nil {
			return nil, fmt.Errorf("--data: %w", err)
		}
	}
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: expected key=value", kv)
		}
		var decoded any
		if err := output.UnmarshalFromString(value, &decoded); err != nil {
			decoded = value
		}
		data[key] = decoded
	}
	return data, nil
}

func (a *app) abandonCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon SESSION",
		Short: "Mark an active session abandoned",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, eng api.Engine) error {
			sess, err := eng.Abandon(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return a.printJSON(sess)
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "user_exit", "recorded abandonment reason")
	return cmd
}

func (a *app) sessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session SESSION",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, eng api.Engine) error {
			sess, err := eng.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(sess)
		}),
	}
}

func (a *app) sessionsCmd() *cobra.Command {
	var (
		opts api.SessionListOptions
		idle time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, eng api.Engine) error {
			if idle > 0 {
				opts.IdleSince = time.Now().Add(-idle)
			}
			list, err := eng.ListSessions(cmd.Context(), opts)
			if err != nil {
				return err
			}
			for _, s := range list {
				fmt.Fprintf(a.out, "%s\t%s v%d\t%s\t%s\t%s\t%s\n",
					s.ID, s.JourneyID, s.JourneyVersion, s.UserID, s.Status, s.CurrentStep,
					s.LastActivityAt.Format(time.RFC3339))
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&opts.JourneyID, "journey", "", "only this journey")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "only this user")
	cmd.Flags().StringVar((*string)(&opts.Status), "status", "", "only this status (active, completed, abandoned)")
	cmd.Flags().DurationVar(&idle, "idle", 0, "only sessions idle for at least this long")
	return cmd
}
