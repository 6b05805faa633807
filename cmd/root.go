package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	authCmd "github.com/wpeztools/ezsync/cmd/auth"
	"github.com/wpeztools/ezsync/cmd/fetch"
	"github.com/wpeztools/ezsync/cmd/get"
	"github.com/wpeztools/ezsync/cmd/serve"
	"github.com/wpeztools/ezsync/cmd/util"
	versionCmd "github.com/wpeztools/ezsync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "EZSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "ezsync",
		Short:        "Replicate a site's database tables and media files from a peer",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		authCmd.New(),
		fetch.New(),
		get.New(),
		serve.New(),
		versionCmd.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
