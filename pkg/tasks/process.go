package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thingful/agripipe/pkg/calibration"
	"github.com/thingful/agripipe/pkg/clock"
	"github.com/thingful/agripipe/pkg/config"
	"github.com/thingful/agripipe/pkg/detector"
	"github.com/thingful/agripipe/pkg/logger"
	"github.com/thingful/agripipe/pkg/pipeline"
	"github.com/thingful/agripipe/pkg/postgres"
	"github.com/thingful/agripipe/pkg/quality"
	"github.com/thingful/agripipe/pkg/rolling"
)

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.Flags().StringP("datadir", "d", "", "Directory scanned for input batch files")
	processCmd.Flags().StringP("config", "c", "", "Path to the pipeline config file")
	processCmd.Flags().IntP("workers", "w", 4, "Number of files processed concurrently")
	processCmd.Flags().BoolP("force", "f", false, "Reprocess files even if already checkpointed")
	processCmd.Flags().BoolP("report", "r", false, "Include per file quality reports in the run summary")
	processCmd.Flags().Int("timeout", 0, "Deadline for the run in seconds, 0 for none")
	processCmd.Flags().Bool("verbose", false, "Enable verbose output")
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run the pipeline once over the data directory",
	Long: `
Executes a single batch run from the command line, without starting the HTTP
server. Every batch file in the data directory is calibrated, checked for
anomalies, scored and persisted, and the run summary is printed to stdout as
JSON.

Files that have already been checkpointed are skipped unless --force is
given. A run that hits the --timeout deadline stops cleanly and reports a
partial result.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, err := cmd.Flags().GetString("datadir")
		if err != nil {
			return err
		}
		if dataDir == "" {
			return errors.New("Must provide a data directory")
		}

		connStr := viper.GetString("database_url")
		if connStr == "" {
			return errors.New("Missing required environment variable: $AGRIPIPE_DATABASE_URL")
		}

		configFile, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}

		workers, err := cmd.Flags().GetInt("workers")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		report, err := cmd.Flags().GetBool("report")
		if err != nil {
			return err
		}

		timeout, err := cmd.Flags().GetInt("timeout")
		if err != nil {
			return err
		}

		verbose, err := cmd.Flags().GetBool("verbose")
		if err != nil {
			return err
		}

		log := logger.NewLogger()

		pipelineCfg, err := config.Load(configFile, log)
		if err != nil {
			return err
		}

		db := postgres.NewDB(&postgres.Config{ConnStr: connStr}, log)
		if err = db.Start(); err != nil {
			return err
		}
		defer db.Stop()

		if err = db.MigrateUp(); err != nil {
			return err
		}

		var store rolling.Store
		if redisURL := viper.GetString("redis_url"); redisURL != "" {
			rs := rolling.NewRedisStore(redisURL, log)
			if err = rs.Start(); err != nil {
				return err
			}
			defer rs.Stop()
			store = rs
		}

		processor := pipeline.NewProcessor(
			&pipeline.Config{DataDir: dataDir, Workers: workers},
			db,
			rolling.New(pipelineCfg.Window(), store, verbose, log),
			calibration.New(pipelineCfg.Calibration, verbose, log),
			detector.New(pipelineCfg.Detector, pipelineCfg.Ranges, log),
			quality.New(pipelineCfg.Scorer, log),
			clock.New(),
			verbose,
			log,
		)

		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
			defer cancel()
		}

		result, err := processor.ProcessFiles(ctx, pipeline.Options{
			ForceReprocess: force,
			GenerateReport: report,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}
