package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	logsLines int
	logsFiles bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the tail of the persistent log",
	Example: `  droidfleet logs -n 200
  droidfleet logs --files`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printLogs(cmd.OutOrStdout(), logsLines, logsFiles)
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "number of lines to print")
	logsCmd.Flags().BoolVar(&logsFiles, "files", false, "list log files (newest first) instead of printing lines")
}

func printLogs(w io.Writer, lines int, files bool) error {
	if files {
		paths, err := ListLogFiles()
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(w, p)
		}
		return nil
	}

	if lines <= 0 {
		return fmt.Errorf("--lines must be positive")
	}
	recent, err := ReadRecentLogs(lines)
	if err != nil {
		return err
	}
	for _, line := range recent {
		fmt.Fprintln(w, line)
	}
	return nil
}
