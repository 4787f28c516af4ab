package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

var (
	clientsSource  string
	clientsPending bool
	clientsLimit   int
	clientsJSON    bool
)

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List stored client records and their call state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		recs, err := st.ListClients(ctx, store.ClientFilter{
			Source:      model.Source(clientsSource),
			PendingOnly: clientsPending,
			Limit:       clientsLimit,
		})
		if err != nil {
			return err
		}

		if clientsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tNAME\tPHONE\tCALLS\tPENDING\tLAST STATUS")
		for _, rec := range recs {
			lastStatus := "-"
			if n := len(rec.CallHistory); n > 0 {
				last := rec.CallHistory[n-1]
				if last.Outcome != nil {
					lastStatus = last.Outcome.Status
				} else {
					lastStatus = "pending"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				rec.ID, rec.Source, rec.FullName, rec.PhoneNumber,
				rec.CallCount, len(rec.PendingAttempts()), lastStatus)
		}
		return w.Flush()
	},
}

var clientCmd = &cobra.Command{
	Use:   "client <id>",
	Short: "Show one client record with its full call history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := st.GetClient(ctx, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

func init() {
	clientsCmd.Flags().StringVar(&clientsSource, "source", "", "filter by lead source")
	clientsCmd.Flags().BoolVar(&clientsPending, "pending", false, "only records with pending call attempts")
	clientsCmd.Flags().IntVar(&clientsLimit, "limit", 0, "maximum records to list")
	clientsCmd.Flags().BoolVar(&clientsJSON, "json", false, "output JSON instead of a table")
	rootCmd.AddCommand(clientsCmd)
	rootCmd.AddCommand(clientCmd)
}
