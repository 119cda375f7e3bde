package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TakashiAihara/nmapper-sub001/internal/config"
	"github.com/TakashiAihara/nmapper-sub001/internal/daemon"
	"github.com/TakashiAihara/nmapper-sub001/internal/diff"
	"github.com/TakashiAihara/nmapper-sub001/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the nmapper daemon",
	Long: `Run the scanning daemon: the scheduler fires recurring scans, each
successful pass is recorded as a snapshot, and changes between passes
are logged and exposed over the HTTP API.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	d := daemon.New(cfg, version)
	d.OnDiff(logDiff)
	return d.Start()
}

// logDiff reports each device-level change so the daemon log doubles as
// a change feed.
func logDiff(result *diff.SnapshotDiff) {
	logger := logging.Default().WithComponent("changes")
	for i := range result.Devices {
		dd := &result.Devices[i]
		logger.Info("device change",
			"address", dd.Address,
			"change", string(dd.Change),
			"ports_changed", len(dd.PortDiffs),
			"services_changed", len(dd.ServiceDiffs),
			"properties_changed", len(dd.PropertyChanges))
	}
}
