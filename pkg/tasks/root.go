package tasks

import (
	"log"
	"strings"

	raven "github.com/getsentry/raven-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thingful/agripipe/pkg/version"
)

func init() {
	viper.SetEnvPrefix("agripipe")
	viper.AutomaticEnv()
	replacer := strings.NewReplacer("-", "_")
	viper.SetEnvKeyReplacer(replacer)
}

var rootCmd = &cobra.Command{
	Use:   version.BinaryName,
	Short: "Quality pipeline for agricultural sensor data",
	Long: `This tool processes batches of raw agricultural sensor readings into a
calibrated, quality flagged dataset.

Input files are discovered in a data directory, and each one is driven
through calibration, anomaly detection and quality scoring before the
flagged output is persisted to PostgreSQL. Processed files are checkpointed
so an interrupted run picks up where it left off, and the persisted output
can be queried over HTTP or exported as partitioned json, csv or parquet
files.
`,
	Version: version.VersionString(),
}

// Execute is our main entrypoint to the application
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		raven.CaptureErrorAndWait(err, nil)
		log.Fatal(err)
	}
}
