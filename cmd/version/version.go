package version

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wpeztools/ezsync/cmd/util"
	"github.com/wpeztools/ezsync/pkg/errors"
	"github.com/wpeztools/ezsync/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	var settingsPath, remote string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the local and remote version of ezsync.",
		Long: "Print the local version of ezsync, and the version running\n" +
			"on a remote deployment when --remote is set.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("local version:  %s\n", version.Version)
			if remote == "" {
				return
			}

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
			remoteVersion, err := client.PeerVersion(ctx)
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "probe remote"))
			}
			fmt.Printf("remote version: %s\n", remoteVersion)
		},
	}
	cmd.Flags().StringVar(&settingsPath, "settings", "",
		"Path to the settings file. Defaults to ~/.ezsync.yaml.")
	cmd.Flags().StringVar(&remote, "remote", "",
		"Tag of the remote deployment to probe.")
	return cmd
}
