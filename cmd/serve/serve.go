package serve

import (
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/wpeztools/ezsync/cmd/util"
	"github.com/wpeztools/ezsync/pkg/auth"
	"github.com/wpeztools/ezsync/pkg/crypto"
	"github.com/wpeztools/ezsync/pkg/db"
	"github.com/wpeztools/ezsync/pkg/errors"
	"github.com/wpeztools/ezsync/pkg/jobstate"
	"github.com/wpeztools/ezsync/pkg/server"
)

// New creates a new `serve` command.
func New() *cobra.Command {
	var settingsPath, address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve this deployment's sync API to its peers.",
		Long: "Serve this deployment's sync API to its peers. Run it behind\n" +
			"a TLS-terminating proxy; the shared secret authenticates peers\n" +
			"but doesn't protect the transport.",
		Run: func(_ *cobra.Command, _ []string) {
			settings, err := util.LoadSettings(settingsPath)
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "load settings"))
			}

			clock := clockwork.NewRealClock()
			codec := crypto.NewCodec(settings.SecretKey, settings.SecretSalt)
			authority := auth.NewAuthority(
				settings.SecretKey, settings.SecretSalt, codec, clock)

			locksDir, err := settings.SyncPath("locks")
			if err != nil {
				util.HandleFatalError(err)
			}

			dbTool := db.New(settings.Database)
			srv := server.New(settings, authority,
				jobstate.NewStore(locksDir, clock), dbTool,
				server.NewExporter(settings, dbTool, codec), clock)
			if err := srv.ListenAndServe(address); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&settingsPath, "settings", "",
		"Path to the settings file. Defaults to ~/.ezsync.yaml.")
	cmd.Flags().StringVar(&address, "address", "127.0.0.1:8365",
		"Address to listen on.")
	return cmd
}
