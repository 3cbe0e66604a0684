package tasks

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thingful/agripipe/pkg/logger"
	"github.com/thingful/agripipe/pkg/server"
)

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringP("addr", "a", "0.0.0.0:8081", "Address to which the HTTP server binds")
	serverCmd.Flags().StringP("datadir", "d", "", "Directory scanned for input batch files")
	serverCmd.Flags().StringP("config", "c", "", "Path to the pipeline config file")
	serverCmd.Flags().IntP("workers", "w", 4, "Number of files processed concurrently")
	serverCmd.Flags().Bool("verbose", false, "Enable verbose output")
	serverCmd.Flags().String("cert-file", "", "Path to a TLS certificate file")
	serverCmd.Flags().String("key-file", "", "Path to a TLS private key file")

	viper.BindPFlag("addr", serverCmd.Flags().Lookup("addr"))
	viper.BindPFlag("datadir", serverCmd.Flags().Lookup("datadir"))
	viper.BindPFlag("config", serverCmd.Flags().Lookup("config"))
	viper.BindPFlag("workers", serverCmd.Flags().Lookup("workers"))
	viper.BindPFlag("verbose", serverCmd.Flags().Lookup("verbose"))
	viper.BindPFlag("cert-file", serverCmd.Flags().Lookup("cert-file"))
	viper.BindPFlag("key-file", serverCmd.Flags().Lookup("key-file"))
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the pipeline HTTP server",
	Long: `
Starts the pipeline as a long running HTTP service. The server exposes
endpoints to trigger batch runs, inspect and clear checkpoints, query the
flagged output, and export it as partitioned files.

Up migrations run automatically on boot. If a redis URL is configured the
rolling windows used for daily averages are persisted there, so they
survive restarts of the service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := viper.GetString("addr")
		if addr == "" {
			return errors.New("Must provide a bind address")
		}

		dataDir := viper.GetString("datadir")
		if dataDir == "" {
			return errors.New("Must provide a data directory")
		}

		connStr := viper.GetString("database_url")
		if connStr == "" {
			return errors.New("Missing required environment variable: $AGRIPIPE_DATABASE_URL")
		}

		logger := logger.NewLogger()

		config := &server.Config{
			ListenAddr: addr,
			ConnStr:    connStr,
			RedisURL:   viper.GetString("redis_url"),
			ConfigFile: viper.GetString("config"),
			DataDir:    dataDir,
			Workers:    viper.GetInt("workers"),
			Verbose:    viper.GetBool("verbose"),
			CertFile:   viper.GetString("cert-file"),
			KeyFile:    viper.GetString("key-file"),
		}

		s, err := server.NewServer(config, logger)
		if err != nil {
			return err
		}

		return s.Start()
	},
}
