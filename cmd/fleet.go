package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"fleet-report/internal/models"
	"fleet-report/internal/publish"
	"fleet-report/internal/report"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// writeReport writes data to path, or to stdout when path is empty. A
// failed close is reported since it can lose buffered data.
func writeReport(path string, data []byte, stdout io.Writer) error {
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("error writing output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing output file: %w", err)
	}
	return nil
}

// parseWindow reads --from/--to. An empty --to means now and an empty
// --from means 24 hours before --to.
func parseWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	if toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to (use RFC3339): %w", err)
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from (use RFC3339): %w", err)
		}
		from = t
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must not be before --from")
	}
	return from, to, nil
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run reports",
	}
	cmd.AddCommand(summaryReportCmd())
	return cmd
}

// summaryReportCmd runs a batch summary report for a user
func summaryReportCmd() *cobra.Command {
	var (
		userID    int64
		deviceIDs []int64
		groupIDs  []int64
		fromStr   string
		toStr     string
		output    string
		file      string
		publishTo bool
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize distance, speed and engine hours per device",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := report.ParseFormat(output)
			if err != nil {
				return err
			}
			from, to, err := parseWindow(fromStr, toStr)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			if err := initDB(ctx); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer closeAll()

			start := time.Now()
			reports, err := newReporter().Run(ctx, models.ReportQuery{
				UserID:    userID,
				DeviceIDs: deviceIDs,
				GroupIDs:  groupIDs,
				From:      from,
				To:        to,
			})
			if err != nil {
				return fmt.Errorf("report failed: %w", err)
			}

			var buf bytes.Buffer
			if err := format.Write(&buf, reports); err != nil {
				return fmt.Errorf("error writing report: %w", err)
			}

			logger.WithFields(logrus.Fields{
				"user_id": userID,
				"devices": len(reports),
				"format":  format,
				"elapsed": time.Since(start),
			}).Info("summary report complete")

			if err := writeReport(file, buf.Bytes(), cmd.OutOrStdout()); err != nil {
				return err
			}

			if publishTo {
				p, err := publish.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey, logger)
				if err != nil {
					return err
				}
				defer p.Close()
				if err := p.Publish(ctx, buf.Bytes(), format.ContentType()); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().Int64VarP(&userID, "user", "u", 0, "User the report is run for")
	cmd.Flags().Int64SliceVarP(&deviceIDs, "device", "d", nil, "Device IDs (repeatable or comma separated)")
	cmd.Flags().Int64SliceVarP(&groupIDs, "group", "g", nil, "Group IDs (repeatable or comma separated)")
	cmd.Flags().StringVarP(&fromStr, "from", "s", "", "Window start (RFC3339, default 24h before --to)")
	cmd.Flags().StringVarP(&toStr, "to", "e", "", "Window end, exclusive (RFC3339, default now)")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format (json, csv)")
	cmd.Flags().StringVar(&file, "file", "", "Write the report to a file instead of stdout")
	cmd.Flags().BoolVar(&publishTo, "publish", false, "Also publish the report to the AMQP exchange")
	cmd.MarkFlagRequired("user")
	return cmd
}

// deviceCmd manages devices
func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Device management commands",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(cmd.Context()); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer closeAll()

			devices, err := store.ListDevices(cmd.Context())
			if err != nil {
				return fmt.Errorf("error listing devices: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No devices found. Use 'fleet-report generate' to create sample data.")
				return nil
			}

			fmt.Fprintf(out, "%-6s %-20s %-16s %-6s\n", "ID", "Name", "Unique ID", "Group")
			for _, d := range devices {
				group := "-"
				if d.GroupID != 0 {
					group = strconv.FormatInt(d.GroupID, 10)
				}
				fmt.Fprintf(out, "%-6d %-20s %-16s %-6s\n", d.ID, d.Name, d.UniqueID, group)
			}
			return nil
		},
	}

	var name, uniqueID string
	var groupID int64
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(cmd.Context()); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer closeAll()

			d := models.Device{Name: name, UniqueID: uniqueID, GroupID: groupID}
			if err := store.InsertDevice(cmd.Context(), &d); err != nil {
				return fmt.Errorf("error adding device: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %d created\n", d.ID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "Display name")
	addCmd.Flags().StringVar(&uniqueID, "unique-id", "", "Hardware identifier")
	addCmd.Flags().Int64Var(&groupID, "group", 0, "Group ID")
	addCmd.MarkFlagRequired("name")
	addCmd.MarkFlagRequired("unique-id")

	var userID int64
	var fromStr, toStr string
	summaryCmd := &cobra.Command{
		Use:   "summary [device_id]",
		Short: "Show one device's summary for a window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid device id %q", args[0])
			}
			from, to, err := parseWindow(fromStr, toStr)
			if err != nil {
				return err
			}
			if err := initDB(cmd.Context()); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer closeAll()

			start := time.Now()
			r, err := newReporter().Summary(cmd.Context(), userID, deviceID, from, to)
			if err != nil {
				return fmt.Errorf("error getting summary: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Summary for %s (%d), query: %v\n", r.DeviceName, r.DeviceID, time.Since(start))
			fmt.Fprintln(out, "==========================================")
			fmt.Fprintf(out, "  Distance:       %.2f m\n", r.Distance)
			fmt.Fprintf(out, "  Average Speed:  %.2f kn\n", r.AverageSpeed)
			fmt.Fprintf(out, "  Maximum Speed:  %.2f kn\n", r.MaxSpeed)
			fmt.Fprintf(out, "  Engine Hours:   %v\n", time.Duration(r.EngineHours)*time.Millisecond)
			return nil
		},
	}
	summaryCmd.Flags().Int64VarP(&userID, "user", "u", 0, "User the summary is run for")
	summaryCmd.Flags().StringVarP(&fromStr, "from", "s", "", "Window start (RFC3339)")
	summaryCmd.Flags().StringVarP(&toStr, "to", "e", "", "Window end, exclusive (RFC3339)")
	summaryCmd.MarkFlagRequired("user")

	cmd.AddCommand(listCmd, addCmd, summaryCmd)
	return cmd
}

// groupCmd manages device groups
func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Group management commands",
	}

	addCmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Create a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(cmd.Context()); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer closeAll()

			g := models.Group{Name: args[0]}
			if err := store.InsertGroup(cmd.Context(), &g); err != nil {
				return fmt.Errorf("error adding group: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Group %d created\n", g.ID)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(cmd.Context()); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer closeAll()

			groups, err := store.ListGroups(cmd.Context())
			if err != nil {
				return fmt.Errorf("error listing groups: %w", err)
			}
			for _, g := range groups {
				fmt.Fprintf(cmd.OutOrStdout(), "%-6d %s\n", g.ID, g.Name)
			}
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd)
	return cmd
}

// userCmd manages report users and their grants
func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "User and permission commands",
	}

	var admin bool
	addCmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(cmd.Context()); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer closeAll()

			u := models.User{Name: args[0], Admin: admin}
			if err := store.InsertUser(cmd.Context(), &u); err != nil {
				return fmt.Errorf("error adding user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %d created\n", u.ID)
			return nil
		},
	}
	addCmd.Flags().BoolVar(&admin, "admin", false, "Grant access to every device")

	var userID int64
	var deviceIDs, groupIDs []int64
	grantCmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a user access to devices or groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(deviceIDs) == 0 && len(groupIDs) == 0 {
				return fmt.Errorf("at least one --device or --group is required")
			}
			if err := initDB(cmd.Context()); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer closeAll()

			for _, id := range deviceIDs {
				if err := store.GrantDevice(cmd.Context(), userID, id); err != nil {
					return fmt.Errorf("error granting device %d: %w", id, err)
				}
			}
			for _, id := range groupIDs {
				if err := store.GrantGroup(cmd.Context(), userID, id); err != nil {
					return fmt.Errorf("error granting group %d: %w", id, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Granted user %d %d device(s) and %d group(s)\n", userID, len(deviceIDs), len(groupIDs))
			return nil
		},
	}
	grantCmd.Flags().Int64VarP(&userID, "user", "u", 0, "User ID")
	grantCmd.Flags().Int64SliceVarP(&deviceIDs, "device", "d", nil, "Device IDs")
	grantCmd.Flags().Int64SliceVarP(&groupIDs, "group", "g", nil, "Group IDs")
	grantCmd.MarkFlagRequired("user")

	cmd.AddCommand(addCmd, grantCmd)
	return cmd
}
