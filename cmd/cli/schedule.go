package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/TakashiAihara/nmapper-sub001/internal/scheduler"
)

var (
	scheduleName     string
	scheduleTargets  string
	schedulePorts    string
	scheduleProfile  string
	schedulePriority int
	scheduleInterval time.Duration
	scheduleCron     string
	scheduleRetries  int
	scheduleDisabled bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring scans",
	Long: `Manage the daemon's recurring scan schedules. All subcommands talk
to a running daemon over its HTTP API.`,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE:  runScheduleList,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a schedule",
	Example: `  nmapper schedule add --name lan --targets 192.168.1.0/24 --interval 15m
  nmapper schedule add --name nightly --targets 10.0.0.0/24 --cron "0 2 * * *" --profile comprehensive`,
	RunE: runScheduleAdd,
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRemove,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleSchedule(cmd, args[0], true) },
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleSchedule(cmd, args[0], false) },
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Fire a schedule immediately",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRun,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleListCmd, scheduleAddCmd, scheduleRemoveCmd,
		scheduleEnableCmd, scheduleDisableCmd, scheduleRunCmd)

	scheduleAddCmd.Flags().StringVar(&scheduleName, "name", "", "schedule name")
	scheduleAddCmd.Flags().StringVar(&scheduleTargets, "targets", "",
		"comma-separated targets")
	scheduleAddCmd.Flags().StringVar(&schedulePorts, "ports", "",
		"port specification")
	scheduleAddCmd.Flags().StringVar(&scheduleProfile, "profile", "quick",
		"scan profile: discovery, quick, comprehensive")
	scheduleAddCmd.Flags().IntVar(&schedulePriority, "priority", 0,
		"dispatch priority, higher runs first")
	scheduleAddCmd.Flags().DurationVar(&scheduleInterval, "interval", 0,
		"fixed recurrence interval, e.g. 15m")
	scheduleAddCmd.Flags().StringVar(&scheduleCron, "cron", "",
		"cron expression, e.g. \"0 2 * * *\"")
	scheduleAddCmd.Flags().IntVar(&scheduleRetries, "max-retries", 0,
		"retry budget per failure burst (0 uses the daemon default)")
	scheduleAddCmd.Flags().BoolVar(&scheduleDisabled, "disabled", false,
		"create the schedule disabled")

	_ = scheduleAddCmd.MarkFlagRequired("name")
	_ = scheduleAddCmd.MarkFlagRequired("targets")
	scheduleAddCmd.MarkFlagsMutuallyExclusive("interval", "cron")
}

func runScheduleList(cmd *cobra.Command, _ []string) error {
	client := newAPIClient()
	var schedules []scheduler.ScheduledScan
	if err := client.get(cmd.Context(), "/schedules", &schedules); err != nil {
		return err
	}
	if len(schedules) == 0 {
		fmt.Println("No schedules configured")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Targets", "Profile", "Recurrence", "State", "Next Run", "Runs", "Failures")

	for i := range schedules {
		s := &schedules[i]
		recurrence := s.Cron
		if recurrence == "" {
			recurrence = "every " + s.Interval.String()
		}
		nextRun := "-"
		if s.Enabled && !s.NextRun.IsZero() {
			nextRun = s.NextRun.Local().Format("2006-01-02 15:04:05")
		}
		_ = table.Append([]string{
			s.ID.String(),
			s.Name,
			strings.Join(s.Targets, ","),
			string(s.Profile),
			recurrence,
			string(s.State),
			nextRun,
			fmt.Sprintf("%d", s.RunCount),
			fmt.Sprintf("%d", s.FailCount),
		})
	}
	_ = table.Render()
	return nil
}

func runScheduleAdd(cmd *cobra.Command, _ []string) error {
	payload := map[string]interface{}{
		"name":        scheduleName,
		"targets":     strings.Split(scheduleTargets, ","),
		"ports":       schedulePorts,
		"profile":     scheduleProfile,
		"priority":    schedulePriority,
		"max_retries": scheduleRetries,
		"enabled":     !scheduleDisabled,
	}
	if scheduleInterval > 0 {
		payload["interval"] = scheduleInterval.String()
	}
	if scheduleCron != "" {
		payload["cron"] = scheduleCron
	}

	client := newAPIClient()
	var created scheduler.ScheduledScan
	if err := client.post(cmd.Context(), "/schedules", payload, &created); err != nil {
		return err
	}
	fmt.Printf("Schedule %q created with ID %s\n", created.Name, created.ID)
	return nil
}

func runScheduleRemove(cmd *cobra.Command, args []string) error {
	client := newAPIClient()
	if err := client.delete(cmd.Context(), "/schedules/"+args[0]); err != nil {
		return err
	}
	fmt.Println("Schedule deleted")
	return nil
}

func toggleSchedule(cmd *cobra.Command, id string, enable bool) error {
	action := "disable"
	if enable {
		action = "enable"
	}
	client := newAPIClient()
	var updated scheduler.ScheduledScan
	if err := client.post(cmd.Context(), "/schedules/"+id+"/"+action, nil, &updated); err != nil {
		return err
	}
	fmt.Printf("Schedule %q %sd\n", updated.Name, action)
	return nil
}

func runScheduleRun(cmd *cobra.Command, args []string) error {
	client := newAPIClient()
	var resp struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := client.post(cmd.Context(), "/schedules/"+args[0]+"/run", nil, &resp); err != nil {
		return err
	}
	fmt.Printf("Execution %s submitted\n", resp.ExecutionID)
	return nil
}
