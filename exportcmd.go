package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yew011/etwpilot-sub000/internal/config"
	"github.com/yew011/etwpilot-sub000/internal/export"
)

func newExportCmd(st *cliState) *cobra.Command {
	var database string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Inspect and export stored sessions",
	}
	cmd.PersistentFlags().StringVar(&database, "database", "", "SQLite database (overrides export.database)")

	openStore := func() (*export.Store, error) {
		path := st.cfg.Export.Database
		if database != "" {
			path = database
		}
		if path == "" {
			return nil, fmt.Errorf("no export database configured")
		}
		return export.Open(path)
	}

	var yamlOut bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if yamlOut {
				return export.WriteSessionsYAML(cmd.OutOrStdout(), recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions stored")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tSTATE\tREASON\tEVENTS\tBYTES\tELAPSED\tSAVED\tPROVIDERS")
			for _, r := range recs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
					r.ID, r.Label, r.State, r.Reason, r.Events, r.Bytes,
					r.Elapsed.Round(time.Millisecond), r.SavedAt.Local().Format(time.DateTime),
					strings.Join(r.Providers, ","))
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&yamlOut, "yaml", false, "Write the list as YAML")

	var (
		format string
		limit  int
		output string
	)
	events := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Write the events of a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id %q", args[0])
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.Session(cmd.Context(), id); err != nil {
				return err
			}
			evs, err := store.Events(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			if format == "" {
				format = st.cfg.Export.Format
			}
			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}
			return export.Write(out, format, evs)
		},
	}
	events.Flags().StringVarP(&format, "format", "f", "", "Output format: jsonl or yaml (default from config)")
	events.Flags().IntVarP(&limit, "limit", "n", 0, "Write at most this many events (0 for all)")
	events.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a stored session and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id %q", args[0])
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.DeleteSession(cmd.Context(), id)
		},
	}

	cmd.AddCommand(list, events, del)
	return cmd
}

func newGenerateConfigCmd(*cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config [path]",
		Short: "Write an example configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.example.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.GenerateExampleConfig(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Example configuration written to %s\n", path)
			return nil
		},
	}
}
