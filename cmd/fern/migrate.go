package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		if err := a.connectDatabase(cmd.Context()); err != nil {
			return err
		}
		defer a.closeDatabase(cmd.Context())

		return a.migrate(cmd.Context())
	},
}
