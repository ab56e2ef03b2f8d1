package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/openfield/fieldsync/internal/daemon"
	"github.com/openfield/fieldsync/internal/version"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Start the FieldSync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			fmt.Println(cyan(version.AppName), version.Short())
			slog.Info("fieldsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)

			cfg := configFromViper()
			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			if err := d.Start(cmd.Context()); err != nil {
				slog.Error("daemon start", "error", err)
				return err
			}
			return nil
		},
	}
}
