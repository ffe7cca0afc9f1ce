package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage device profiles",
}

var profileAddPort int

var profileAddCmd = &cobra.Command{
	Use:   "add <name> <ldplayer-instance>",
	Short: "Register an LDPlayer instance as a profile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := startApp()
		if err != nil {
			return err
		}
		defer shutdownApp(app)

		p, err := app.AddProfile(cmd.Context(), args[0], args[1], profileAddPort)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created profile %d (%s -> %s)\n", p.ID, p.Name, p.InstanceName)
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := startApp()
		if err != nil {
			return err
		}
		defer shutdownApp(app)

		profiles, err := app.ListProfiles(cmd.Context())
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No profiles configured")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tINSTANCE\tPORT\tSTATUS\tLAST RUN")
		for _, p := range profiles {
			last := "-"
			if rec := p.ExecutionHistory(); len(rec) > 0 {
				last = fmt.Sprintf("%s %s", rec[0].Status, rec[0].Timestamp.Format("2006-01-02 15:04"))
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", p.ID, p.Name, p.InstanceName, p.Port, p.Status, last)
		}
		return w.Flush()
	},
}

var (
	historyLimit int
	historyFull  bool
)

var profileHistoryCmd = &cobra.Command{
	Use:   "history <profile-id>",
	Short: "Show a profile's recent script executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid profile id %q", args[0])
		}

		app, err := startApp()
		if err != nil {
			return err
		}
		defer shutdownApp(app)

		records, err := app.GetProfileHistory(cmd.Context(), id)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintf(out, "No executions recorded for profile %d\n", id)
			return nil
		}
		if historyLimit > 0 && len(records) > historyLimit {
			records = records[:historyLimit]
		}
		for _, r := range records {
			if historyFull {
				fmt.Fprintln(out, r.FullLog)
				continue
			}
			line := fmt.Sprintf("%s  %-9s %6dms  %s", r.Timestamp.Format("2006-01-02 15:04:05"), r.Status, r.Duration, r.TaskID)
			if r.Error != "" {
				line += "  " + r.Error
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

func init() {
	profileAddCmd.Flags().IntVar(&profileAddPort, "port", 0, "known ADB port (resolved from ldconsole when 0)")
	profileHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "show at most n records")
	profileHistoryCmd.Flags().BoolVar(&historyFull, "full", false, "print the full log of each execution")

	profileCmd.AddCommand(profileAddCmd, profileListCmd, profileHistoryCmd)
}
