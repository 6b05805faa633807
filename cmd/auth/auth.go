package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wpeztools/ezsync/cmd/util"
	"github.com/wpeztools/ezsync/pkg/errors"
)

// New creates a new `auth` command.
func New() *cobra.Command {
	var settingsPath, remote string
	var refresh bool

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Run the token handshake against a remote deployment.",
		Long: "Run the token handshake against a remote deployment and\n" +
			"print the issued token. Useful for verifying that both sides\n" +
			"share the same secret before a real sync.",
		Run: func(_ *cobra.Command, _ []string) {
			settings, err := util.LoadSettings(settingsPath)
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "load settings"))
			}

			client, _, err := util.BuildRemote(settings, remote)
			if err != nil {
				util.HandleFatalError(err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			token, err := client.Token(ctx, refresh)
			if err != nil {
				util.HandleFatalError(err)
			}
			fmt.Println(token)
		},
	}
	cmd.Flags().StringVar(&settingsPath, "settings", "",
		"Path to the settings file. Defaults to ~/.ezsync.yaml.")
	cmd.Flags().StringVar(&remote, "remote", "",
		"Tag of the remote deployment to authenticate against.")
	cmd.Flags().BoolVar(&refresh, "refresh", false,
		"Bypass the token cache and run a fresh handshake.")
	return cmd
}
