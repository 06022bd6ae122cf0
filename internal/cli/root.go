package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/gomh/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking GOMH_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("GOMH_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the mhctl CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mhctl",
		Short: "mhctl controls a gomh dispatcher",
		Long:  "mhctl starts executions, inspects their progress and manages processors on a gomh dispatcher.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagDebug {
				flagLogLevel = "debug"
			}
			var err error
			logger, err = logging.New(logging.Options{Level: flagLogLevel, Format: flagLogFormat})
			if err != nil {
				return err
			}
			client = NewClient(flagServer, logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Dispatcher URL (or GOMH_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newGraphCmd(),
		newResetCmd(),
		newProcessorsCmd(),
	)

	return root
}
