package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/chatreader/internal/settings"
	"github.com/spf13/cobra"
)

func newLogsCmd(a *app) *cobra.Command {
	var (
		count     int
		clearLogs bool
		console   string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show, clear or route the daemon's buffered log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			notify := clearLogs || console != ""
			st, err := a.open(cmd.Context(), notify)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if console != "" {
				var on bool
				switch strings.ToLower(console) {
				case "on", "true":
					on = true
				case "off", "false":
				default:
					return fmt.Errorf("invalid --console value %q, want on or off", console)
				}
				if err := st.LogConsole.Set(cmd.Context(), settings.EnabledState{Enabled: on}); err != nil {
					return err
				}
				fmt.Fprintf(out, "log console: %t\n", on)
			}
			if clearLogs {
				if err := st.ClearLogs(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(out, "log buffer cleared")
				return nil
			}
			if console != "" {
				return nil
			}

			entries, err := st.RecentLogs(cmd.Context(), count)
			if err != nil {
				return err
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s %-5s %s", time.UnixMilli(e.Timestamp).Format(time.DateTime), strings.ToUpper(e.Level), e.Message)
				if len(e.Data) > 0 {
					data, err := json.Marshal(e.Data)
					if err == nil {
						line += " " + string(data)
					}
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 20, "Number of most recent entries to show; 0 shows all")
	cmd.Flags().BoolVar(&clearLogs, "clear", false, "Empty the log buffer")
	cmd.Flags().StringVar(&console, "console", "", "Forward info and debug lines to the daemon console: on or off")
	return cmd
}
