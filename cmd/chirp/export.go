package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calebgw/chirp/internal/auth"
	"github.com/calebgw/chirp/internal/config"
	"github.com/calebgw/chirp/internal/logging"
)

func newExportSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-session",
		Short: "Print the paired session as a credential string",
		Long: `Prints the paired session encoded as a credential string. Set it in
one of the credential environment variables (CHIRP_SESSION by default)
on another host and the daemon restores the session on first start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			logger, err := logging.New("warn", true)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			store, err := auth.NewStore(cfg.AuthDir(), logger)
			if err != nil {
				return err
			}
			cred, err := store.Export()
			if err != nil {
				return err
			}
			fmt.Println(cred)
			return nil
		},
	}
}
