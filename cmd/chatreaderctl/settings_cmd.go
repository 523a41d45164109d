package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newEnableCmd(a *app, enabled bool) *cobra.Command {
	use, short := "enable", "Turn chat reading on"
	if !enabled {
		use, short = "disable", "Turn chat reading off and drop queued messages"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			if err := st.SetEnabled(cmd.Context(), enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enabled: %t\n", enabled)
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			filters := st.Filters.Snapshot().Filters
			active := 0
			for _, f := range filters {
				if f.Enabled {
					active++
				}
			}
			voice := st.Voice.Snapshot().URI
			if voice == "" {
				voice = "(default)"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "enabled:     %t\n", st.Enabled.Snapshot().Enabled)
			fmt.Fprintf(out, "voice:       %s\n", voice)
			fmt.Fprintf(out, "volume:      %.2f\n", st.Volume.Snapshot().Volume)
			fmt.Fprintf(out, "log console: %t\n", st.LogConsole.Snapshot().Enabled)
			fmt.Fprintf(out, "filters:     %d (%d enabled)\n", len(filters), active)
			fmt.Fprintf(out, "log entries: %d\n", len(st.Logs.Snapshot().Entries))
			return nil
		},
	}
}

func newVoiceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "voice <uri>",
		Short: "Set the voice URI; an empty string selects the default voice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			if err := st.SetVoice(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "voice: %q\n", args[0])
			return nil
		},
	}
}

func newVolumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "volume <0..1>",
		Short: "Set the speech volume; values outside 0..1 are clamped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid volume %q: %w", args[0], err)
			}
			st, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			if err := st.SetVolume(cmd.Context(), v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "volume: %.2f\n", st.Volume.Snapshot().Volume)
			return nil
		},
	}
}
