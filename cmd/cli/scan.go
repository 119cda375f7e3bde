package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/TakashiAihara/nmapper-sub001/internal/config"
	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/scanning"
)

var (
	scanTargets string
	scanPorts   string
	scanProfile string
	scanTimeout time.Duration
	scanJSON    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a one-shot scan",
	Long: `Run a single scan against the given targets and print the devices
found. The scan runs locally and does not go through the daemon.`,
	Example: `  nmapper scan --targets 192.168.1.0/24
  nmapper scan --targets "192.168.1.1,192.168.1.10" --ports 22,80,443
  nmapper scan --targets localhost --profile comprehensive`,
	RunE: runScanCmd,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVar(&scanTargets, "targets", "",
		"comma-separated targets (IPs, hostnames, CIDR ranges)")
	scanCmd.Flags().StringVar(&scanPorts, "ports", "",
		"port specification, e.g. 22,80,443 or 1-1024")
	scanCmd.Flags().StringVar(&scanProfile, "profile", "quick",
		"scan profile: discovery, quick, comprehensive")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 5*time.Minute,
		"scan timeout")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false,
		"print results as JSON")

	_ = scanCmd.MarkFlagRequired("targets")
}

func runScanCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	req := scanning.NewRequest(
		strings.Split(scanTargets, ","),
		scanPorts,
		devices.ScanProfile(scanProfile),
	)
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
	defer cancel()

	executor := scanning.NewNmapExecutor(
		scanning.EnrichersFromConfig(cfg.Scanning.Enrichment)...)
	found, err := executor.Execute(ctx, req)
	if err != nil {
		return err
	}

	if scanJSON {
		snap := devices.NewSnapshot(found, devices.ScanMetadata{
			ScanType: req.Profile,
		})
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(snap)
	}

	printDevices(found)
	return nil
}

func printDevices(found []devices.Device) {
	if len(found) == 0 {
		fmt.Println("No devices found")
		return
	}
	devices.SortDevices(found)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Address", "Hostname", "MAC", "Type", "Open Ports", "OS")

	for i := range found {
		d := &found[i]
		_ = table.Append([]string{
			d.Address,
			d.Hostname,
			d.MAC,
			string(d.Type),
			formatOpenPorts(d),
			formatOS(d),
		})
	}
	_ = table.Render()
}

func formatOpenPorts(d *devices.Device) string {
	var parts []string
	for _, p := range d.Ports {
		if p.State != devices.PortStateOpen {
			continue
		}
		label := p.Key().String()
		if p.Service != "" {
			label += " (" + p.Service + ")"
		}
		parts = append(parts, label)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

func formatOS(d *devices.Device) string {
	if d.OS.Name == "" {
		return "-"
	}
	if d.OS.Accuracy > 0 {
		return fmt.Sprintf("%s (%d%%)", d.OS.Name, d.OS.Accuracy)
	}
	return d.OS.Name
}
