package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/loqalabs/chatreader/internal/filter"
	"github.com/spf13/cobra"
)

// filterFlags are shared by add and update; update only applies the flags
// that were set.
type filterFlags struct {
	target      string
	field       string
	command     bool
	regex       bool
	flags       string
	replacement string
	disabled    bool
}

func (ff *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&ff.target, "target", string(filter.TargetOutput), "Filter target: output or field")
	cmd.Flags().StringVar(&ff.field, "field", "", "Field name for field-target filters")
	cmd.Flags().BoolVar(&ff.command, "command", false, "Treat the pattern as a command such as substring(0,10)")
	cmd.Flags().BoolVar(&ff.regex, "regex", false, "Treat the pattern as a regular expression")
	cmd.Flags().StringVar(&ff.flags, "flags", "", "Regular expression flags (g, i, m, s, u, y)")
	cmd.Flags().StringVar(&ff.replacement, "replacement", "", "Replacement text")
	cmd.Flags().BoolVar(&ff.disabled, "disabled", false, "Store the filter disabled")
}

func (ff *filterFlags) apply(cmd *cobra.Command, f *filter.Filter) {
	changed := cmd.Flags().Changed
	if changed("target") {
		f.Target = filter.Target(ff.target)
	}
	if changed("field") {
		f.FieldName = ff.field
	}
	if changed("command") {
		if ff.command {
			f.Type = filter.TypeCommand
		} else {
			f.Type = filter.TypePattern
		}
	}
	if changed("regex") {
		f.IsRegex = ff.regex
	}
	if changed("flags") {
		f.Flags = ff.flags
	}
	if changed("replacement") {
		f.Replacement = ff.replacement
	}
	if changed("disabled") {
		f.Enabled = !ff.disabled
	}
}

func newFiltersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "filters",
		Aliases: []string{"filter"},
		Short:   "Manage text filters",
	}
	cmd.AddCommand(
		newFiltersListCmd(a),
		newFiltersAddCmd(a),
		newFiltersUpdateCmd(a),
		newFiltersRemoveCmd(a),
		newFiltersToggleCmd(a, true),
		newFiltersToggleCmd(a, false),
	)
	return cmd
}

func newFiltersListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List filters in the order they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENABLED\tTARGET\tFIELD\tTYPE\tPATTERN\tREPLACEMENT")
			for _, f := range st.Filters.Snapshot().Filters {
				kind := string(f.Type)
				if f.Type == filter.TypePattern && f.IsRegex {
					kind = "regex/" + f.Flags
				}
				fmt.Fprintf(w, "%d\t%t\t%s\t%s\t%s\t%q\t%q\n", f.ID, f.Enabled, f.Target, f.FieldName, kind, f.Pattern, f.Replacement)
			}
			return w.Flush()
		},
	}
}

func newFiltersAddCmd(a *app) *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "add <pattern>",
		Short: "Append a filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := filter.Filter{
				Enabled:     !ff.disabled,
				Target:      filter.Target(ff.target),
				FieldName:   ff.field,
				Type:        filter.TypePattern,
				IsRegex:     ff.regex,
				Flags:       ff.flags,
				Pattern:     args[0],
				Replacement: ff.replacement,
			}
			if ff.command {
				f.Type = filter.TypeCommand
			}
			if err := f.Validate(); err != nil {
				return err
			}
			st, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			added, err := st.AddFilter(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added filter %d\n", added.ID)
			return nil
		},
	}
	ff.register(cmd)
	return cmd
}

func newFiltersUpdateCmd(a *app) *cobra.Command {
	var (
		ff      filterFlags
		pattern string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			updated, err := st.UpdateFilter(cmd.Context(), id, func(f *filter.Filter) {
				ff.apply(cmd, f)
				if cmd.Flags().Changed("pattern") {
					f.Pattern = pattern
				}
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated filter %d\n", updated.ID)
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVar(&pattern, "pattern", "", "New pattern")
	return cmd
}

func newFiltersRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a filter",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			if err := st.RemoveFilter(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed filter %d\n", id)
			return nil
		},
	}
}

func newFiltersToggleCmd(a *app, enabled bool) *cobra.Command {
	use := "enable <id>"
	if !enabled {
		use = "disable <id>"
	}
	return &cobra.Command{
		Use:   use,
		Short: "Set whether a filter is applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			if _, err := st.UpdateFilter(cmd.Context(), id, func(f *filter.Filter) { f.Enabled = enabled }); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "filter %d enabled: %t\n", id, enabled)
			return nil
		},
	}
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid filter id %q", s)
	}
	return id, nil
}
