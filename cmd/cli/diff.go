package cli

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/diff"
)

var (
	diffFrom string
	diffTo   string
)

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show changes between snapshots",
	Long: `Compare two snapshots recorded by the daemon. With no flags the
latest snapshot is compared against its predecessor.`,
	Example: `  nmapper diff
  nmapper diff --from 3f1c… --to 9a2e…`,
	RunE: runDiff,
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List recorded snapshots",
	RunE:  runSnapshots,
}

func init() {
	rootCmd.AddCommand(diffCmd, snapshotsCmd)

	diffCmd.Flags().StringVar(&diffFrom, "from", "", "older snapshot ID")
	diffCmd.Flags().StringVar(&diffTo, "to", "", "newer snapshot ID")
}

func runSnapshots(cmd *cobra.Command, _ []string) error {
	client := newAPIClient()
	var snaps []devices.NetworkSnapshot
	if err := client.get(cmd.Context(), "/snapshots", &snaps); err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Timestamp", "Devices", "Open Ports", "Scan Type")
	for i := range snaps {
		s := &snaps[i]
		_ = table.Append([]string{
			s.ID.String(),
			s.Timestamp.Local().Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%d", s.DeviceCount),
			fmt.Sprintf("%d", s.TotalOpenPorts),
			string(s.Metadata.ScanType),
		})
	}
	_ = table.Render()
	return nil
}

func runDiff(cmd *cobra.Command, _ []string) error {
	path := "/diff"
	sep := "?"
	if diffFrom != "" {
		path += sep + "from=" + diffFrom
		sep = "&"
	}
	if diffTo != "" {
		path += sep + "to=" + diffTo
	}

	client := newAPIClient()
	var result diff.SnapshotDiff
	if err := client.get(cmd.Context(), path, &result); err != nil {
		return err
	}

	printDiffSummary(&result)
	if len(result.Devices) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Address", "Change", "Ports", "Services", "Properties")
	for i := range result.Devices {
		dd := &result.Devices[i]
		_ = table.Append([]string{
			dd.Address,
			string(dd.Change),
			formatPortDiffs(dd.PortDiffs),
			formatServiceDiffs(dd.ServiceDiffs),
			formatPropertyChanges(dd.PropertyChanges),
		})
	}
	return table.Render()
}

func printDiffSummary(result *diff.SnapshotDiff) {
	s := result.Summary
	if s.TotalChanges == 0 {
		fmt.Println("No changes between snapshots")
		return
	}
	fmt.Printf("Changes: %d added, %d removed, %d changed, %d inactive, %d port changes, %d service changes\n",
		s.DevicesAdded, s.DevicesRemoved, s.DevicesChanged, s.DevicesInactive,
		s.PortsChanged, s.ServicesChanged)
}

func formatPortDiffs(diffs []diff.PortDiff) string {
	if len(diffs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(diffs))
	for _, pd := range diffs {
		parts = append(parts, fmt.Sprintf("%s %s", pd.Port.Key().String(), pd.Change))
	}
	return joinLimited(parts)
}

func formatServiceDiffs(diffs []diff.ServiceDiff) string {
	if len(diffs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(diffs))
	for _, sd := range diffs {
		parts = append(parts, fmt.Sprintf("%s %s", sd.Service.Name, sd.Change))
	}
	return joinLimited(parts)
}

func formatPropertyChanges(changes []diff.PropertyChange) string {
	if len(changes) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(changes))
	for _, pc := range changes {
		parts = append(parts, fmt.Sprintf("%s: %q -> %q", pc.Field, pc.OldValue, pc.NewValue))
	}
	return joinLimited(parts)
}

const maxCellEntries = 4

func joinLimited(parts []string) string {
	if len(parts) > maxCellEntries {
		extra := len(parts) - maxCellEntries
		parts = append(parts[:maxCellEntries], fmt.Sprintf("+%d more", extra))
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}
