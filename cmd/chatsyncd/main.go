package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	var (
		profileFlag string
		quiet       bool
	)

	rootCmd := &cobra.Command{
		Use:   "chatsyncd",
		Short: "Runs the chat sync daemon for one profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := profile.Resolve(profileFlag)
			if err := profile.ValidateName(name); err != nil {
				return err
			}
			app := fx.New(
				daemon.Module(daemon.Params{ProfileName: name, QuietLog: quiet}),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&profileFlag, "profile", "p", "", "profile name (overrides config default)")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "log to the profile log file only")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
