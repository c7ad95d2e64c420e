package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yew011/etwpilot-sub000/internal/event"
	"github.com/yew011/etwpilot-sub000/internal/provider"
)

func newProvidersCmd(st *cliState) *cobra.Command {
	var (
		filter string
		replay string
	)
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List the providers sessions can resolve",
		Long: `List the providers known to the catalog: configured entries, the providers
registered on the system (Windows) and the built-in ones. With --replay, the
providers recorded in a capture file are listed instead of the system ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := buildCatalog(st.cfg, replay)
			if err != nil {
				return err
			}
			list := catalog.List()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tGUID")
			n := 0
			for _, d := range list {
				if !matchProvider(d, filter) {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\n", d.Name, event.FormatGUID(d.GUID))
				n++
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if n == 0 && filter != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "No provider matches %q\n", filter)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "Only list providers whose name or GUID contains this text (case insensitive)")
	cmd.Flags().StringVar(&replay, "replay", "", "Include the providers recorded in this capture file")
	return cmd
}

func matchProvider(d provider.Descriptor, filter string) bool {
	if filter == "" {
		return true
	}
	filter = strings.ToLower(filter)
	return strings.Contains(strings.ToLower(d.Name), filter) ||
		strings.Contains(d.GUID.String(), strings.Trim(filter, "{}"))
}
