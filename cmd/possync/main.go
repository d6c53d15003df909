package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/config"
	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/session"
)

var (
	version = "dev"

	cfg  *config.Config
	sess *session.Session

	serverAddr string
	configPath string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "possync",
	Short: "possync - local-first encrypted store for the POS",
	Long: `possync keeps the point-of-sale data on this device, encrypts the
sensitive fields at rest with a key derived from your password, and
reconciles with the remote authority whenever a connection is available.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		sess, err = session.Load(cfg.SessionPath)
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}

		if cmd.Flags().Changed("server") {
			cfg.Server = serverAddr
		}
		if cmd.Flags().Changed("verbose") {
			cfg.Verbose = verbose
		}

		if cfg.Verbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.InfoLevel)
		}

		logrus.SetFormatter(&logrus.TextFormatter{
			DisableTimestamp: true,
		})

		if err := cfg.EnsureDirectories(); err != nil {
			return fmt.Errorf("failed to create directories: %w", err)
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Remote authority base URL [env: POSSYNC_SERVER]")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: $HOME/.possync/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newAddUserCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newChangePasswordCommand())
	rootCmd.AddCommand(newRecoveryKeyCommand())
	rootCmd.AddCommand(newRecoverCommand())
	rootCmd.AddCommand(newVersionCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
