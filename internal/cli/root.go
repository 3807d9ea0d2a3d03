// Package cli implements the stagectl commands.
package cli

import (
	"fmt"
	"os"

	"github.com/dkeye/Stage/internal/adapters/controlapi"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/platform/logging"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	sessionID string

	cfg    *config.Config
	client *controlapi.Client
)

var rootCmd = &cobra.Command{
	Use:   "stagectl",
	Short: "Control and watch live stage sessions",
	Long: `stagectl talks to a stage server: it starts and ends broadcasts,
lists live presenters and joins a session headless to log what a
participant would see.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		logging.Setup("debug", cfg.Log.Level)
		if serverURL == "" {
			serverURL = cfg.Client.ServerURL
		}
		if sessionID == "" {
			return fmt.Errorf("--session is required")
		}
		client = controlapi.New(serverURL, nil).WithControlKey(cfg.ControlKey)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "stage server url (default client.server_url)")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "", "session id")
}

func session() domain.SessionID { return domain.SessionID(sessionID) }

// Execute runs the root command. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
