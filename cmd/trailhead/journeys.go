package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/trailhead/internal/graph"
	"github.com/petrijr/trailhead/pkg/api"
	"github.com/petrijr/trailhead/pkg/journeydoc"
)

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check journey documents without publishing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				j, err := journeydoc.Load(path)
				if err == nil {
					err = graph.Validate(j)
				}
				if err != nil {
					failed++
					a.reportInvalid(path, err)
					continue
				}
				fmt.Fprintf(a.out, "%s: ok (%d steps)\n", path, len(j.Steps))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d journey documents are invalid", failed, len(args))
			}
			return nil
		},
	}
}

// reportInvalid prints one line per validation problem.
func (a *app) reportInvalid(path string, err error) {
	var verr *api.ValidationError
	if !errors.As(err, &verr) {
		fmt.Fprintf(a.out, "%s: %v\n", path, err)
		return
	}
	for _, p := range verr.Problems {
		fmt.Fprintf(a.out, "%s: %s\n", path, p)
	}
}

func (a *app) publishCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "publish FILE",
		Short: "Validate a journey document and publish it as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, eng api.Engine) error {
			j, err := journeydoc.Load(args[0])
			if err != nil {
				return err
			}
			j.Version = version
			published, err := eng.Publish(cmd.Context(), j)
			var verr *api.ValidationError
			if errors.As(err, &verr) {
				a.reportInvalid(args[0], err)
			}
			if err != nil {
				return err
			}
			a.logger.Info("journey published", "journey", published.ID, "version", published.Version)
			fmt.Fprintf(a.out, "%s v%d\n", published.ID, published.Version)
			return nil
		}),
	}
	cmd.Flags().IntVar(&version, "version", 0, "explicit version number (default: latest+1)")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var (
		version int
		format  string
		outFile string
	)
	cmd := &cobra.Command{
		Use:   "export JOURNEY",
		Short: "Write a published journey version as YAML or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, eng api.Engine) error {
			j, err := eng.GetJourney(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			if outFile != "" {
				return journeydoc.Save(outFile, j)
			}
			f := journeydoc.Format(format)
			if f != journeydoc.FormatYAML && f != journeydoc.FormatJSON {
				return fmt.Errorf("unknown format %q", format)
			}
			return journeydoc.Encode(a.out, f, j)
		}),
	}
	cmd.Flags().IntVar(&version, "version", 0, "version to export (default: latest)")
	cmd.Flags().StringVar(&format, "format", "yaml", "output format when writing to stdout (yaml, json)")
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "write to this file; the extension picks the format")
	return cmd
}
