package get

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wpeztools/ezsync/cmd/util"
	"github.com/wpeztools/ezsync/pkg/api"
	"github.com/wpeztools/ezsync/pkg/client"
	"github.com/wpeztools/ezsync/pkg/errors"
	"github.com/wpeztools/ezsync/pkg/jobstate"
)

// New creates a new `get` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Query a remote deployment without transferring anything.",
	}
	cmd.AddCommand(newTables(), newStatus())
	return cmd
}

func newTables() *cobra.Command {
	var settingsPath, remote string

	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List the remote's database tables.",
		Run: func(_ *cobra.Command, _ []string) {
			client := buildClient(settingsPath, remote)

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			tables, err := client.Tables(ctx)
			if err != nil {
				util.HandleFatalError(err)
			}
			for _, table := range tables {
				fmt.Println(table)
			}
		},
	}
	registerFlags(cmd, &settingsPath, &remote)
	return cmd
}

func newStatus() *cobra.Command {
	var settingsPath, remote string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the remote's busy locks.",
		Run: func(_ *cobra.Command, _ []string) {
			client := buildClient(settingsPath, remote)

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			for _, category := range []string{
				jobstate.CategoryData, jobstate.CategoryFiles} {
				status, err := client.Status(ctx, category)
				if err != nil {
					util.HandleFatalError(err)
				}
				printStatus(status)
			}
		},
	}
	registerFlags(cmd, &settingsPath, &remote)
	return cmd
}

func registerFlags(cmd *cobra.Command, settingsPath, remote *string) {
	cmd.Flags().StringVar(settingsPath, "settings", "",
		"Path to the settings file. Defaults to ~/.ezsync.yaml.")
	cmd.Flags().StringVar(remote, "remote", "",
		"Tag of the remote deployment to query.")
}

func buildClient(settingsPath, remote string) *client.Remote {
	settings, err := util.LoadSettings(settingsPath)
	if err != nil {
		util.HandleFatalError(errors.WithContext(err, "load settings"))
	}

	remoteClient, _, err := util.BuildRemote(settings, remote)
	if err != nil {
		util.HandleFatalError(err)
	}
	return remoteClient
}

func printStatus(status api.BusyStatus) {
	if !status.Busy {
		fmt.Printf("%s: ready\n", status.Category)
		return
	}
	fmt.Printf("%s: busy (claimed by %s at %s)\n", status.Category,
		status.Claimant, time.Unix(status.ClaimedAt, 0).Format(time.RFC3339))
}
