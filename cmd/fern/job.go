package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/startup"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and run schedule sync jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the job families and their last runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, s, err := startComponents(cmd)
		if err != nil {
			return err
		}
		defer s.Stop(cmd.Context())

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(a.scheduler.Jobs(cmd.Context()))
	},
}

var jobRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run one job family in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, s, err := startComponents(cmd)
		if err != nil {
			return err
		}
		defer s.Stop(cmd.Context())

		report, err := a.scheduler.RunNow(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if report.Degraded {
			return fmt.Errorf("%s degraded: %d of %d units failed", args[0], report.FailedUnits, report.Units)
		}
		return nil
	},
}

func startComponents(cmd *cobra.Command) (*app, *startup.Startup, error) {
	a, err := newApp()
	if err != nil {
		return nil, nil, err
	}

	s := startup.New(a.logger, a.cfg.StartupMaxAttempts)
	a.dependencies(s)
	if err := s.Start(cmd.Context()); err != nil {
		return nil, nil, err
	}
	return a, s, nil
}

func init() {
	jobCmd.AddCommand(jobListCmd, jobRunCmd)
}
