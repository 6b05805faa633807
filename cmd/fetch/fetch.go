package fetch

import (
	"context"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/wpeztools/ezsync/cmd/util"
	"github.com/wpeztools/ezsync/pkg/errors"
	"github.com/wpeztools/ezsync/pkg/jobstate"
	"github.com/wpeztools/ezsync/pkg/sync"
)

// New creates a new `fetch` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Pull data or files from a remote deployment.",
	}
	cmd.AddCommand(newData(), newFiles(), newStatus())
	return cmd
}

type commonFlags struct {
	settingsPath string
	remote       string
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.settingsPath, "settings", "",
		"Path to the settings file. Defaults to ~/.ezsync.yaml.")
	cmd.Flags().StringVar(&f.remote, "remote", "",
		"Tag of the remote deployment to pull from.")
}

func newData() *cobra.Command {
	var flags commonFlags
	var tables, excludeTables []string
	var encrypt, gzip, skipReplace bool

	cmd := &cobra.Command{
		Use:   "data",
		Short: "Pull the remote's database tables and import them locally.",
		Long: "Pull the remote's database tables and import them locally.\n" +
			"URLs in the imported data are rewritten to this deployment\n" +
			"unless --skip-replace is set.",
		Run: func(_ *cobra.Command, _ []string) {
			runJob(flags, sync.Options{
				Kind:          sync.JobData,
				Tables:        tables,
				ExcludeTables: excludeTables,
				Encrypt:       encrypt,
				Gzip:          gzip,
				SkipReplace:   skipReplace,
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&tables, "tables", nil,
		"Tables to pull. Defaults to every table with the configured prefix.")
	cmd.Flags().StringSliceVar(&excludeTables, "exclude-tables", nil,
		"Tables to skip when pulling the full table list.")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false,
		"Encrypt export artifacts in transit on top of TLS.")
	cmd.Flags().BoolVar(&gzip, "gzip", true,
		"Compress export artifacts.")
	cmd.Flags().BoolVar(&skipReplace, "skip-replace", false,
		"Leave remote URLs in the imported data untouched.")
	return cmd
}

func newFiles() *cobra.Command {
	var flags commonFlags

	cmd := &cobra.Command{
		Use:   "files",
		Short: "Pull the remote's changed media files.",
		Long: "Pull media files that changed on the remote since the last\n" +
			"run, as decided by manifest diffing. Unchanged files are never\n" +
			"transferred, and local-only files are never deleted.",
		Run: func(_ *cobra.Command, _ []string) {
			runJob(flags, sync.Options{Kind: sync.JobFiles})
		},
	}
	flags.register(cmd)
	return cmd
}

func runJob(flags commonFlags, opts sync.Options) {
	settings, err := util.LoadSettings(flags.settingsPath)
	if err != nil {
		util.HandleFatalError(errors.WithContext(err, "load settings"))
	}

	orchestrator, err := util.BuildOrchestrator(settings, flags.remote)
	if err != nil {
		util.HandleFatalError(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sync.DefaultRunTimeout)
	defer cancel()

	pp := util.NewProgressPrinter(os.Stdout,
		fmt.Sprintf("Syncing %s from %q...", opts.Kind, flags.remote))
	go pp.Run()
	report, err := orchestrator.Run(ctx, opts)
	pp.Stop()
	if err != nil {
		util.HandleFatalError(err)
	}

	util.PrintReport(report)
	if report.Failed() {
		os.Exit(1)
	}
}

// newStatus reads or clears the local busy locks, for recovering from a
// crashed run without waiting out the staleness window.
func newStatus() *cobra.Command {
	var settingsPath string
	var clear, data, files bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show or clear the local busy locks.",
		Run: func(_ *cobra.Command, _ []string) {
			settings, err := util.LoadSettings(settingsPath)
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "load settings"))
			}

			locksDir, err := settings.SyncPath("locks")
			if err != nil {
				util.HandleFatalError(err)
			}
			store := jobstate.NewStore(locksDir, clockwork.NewRealClock())

			categories := []string{jobstate.CategoryData, jobstate.CategoryFiles}
			switch {
			case data && !files:
				categories = categories[:1]
			case files && !data:
				categories = categories[1:]
			}

			for _, category := range categories {
				if clear {
					if err := store.Clear(category); err != nil {
						util.HandleFatalError(err)
					}
					fmt.Printf("%s: cleared\n", category)
					continue
				}

				status, err := store.Get(category)
				if err != nil {
					util.HandleFatalError(err)
				}
				if !status.Busy {
					fmt.Printf("%s: ready\n", category)
					continue
				}
				fmt.Printf("%s: busy (claimed by %s, %s ago)\n",
					category, status.Claimant, status.Age)
			}
		},
	}
	cmd.Flags().StringVar(&settingsPath, "settings", "",
		"Path to the settings file. Defaults to ~/.ezsync.yaml.")
	cmd.Flags().BoolVar(&clear, "clear", false, "Clear the locks instead of showing them.")
	cmd.Flags().BoolVar(&data, "data", false, "Only the data lock.")
	cmd.Flags().BoolVar(&files, "files", false, "Only the files lock.")
	return cmd
}
