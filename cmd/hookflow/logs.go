package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/hookflow/internal/logquery"
	"github.com/rendis/hookflow/internal/service"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

func newLogsCmd(load configLoader) *cobra.Command {
	var (
		filter store.LogFilter
		typ    string
		query  logquery.Query
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query run logs of a workflow or a run",
		Long: `Query run logs straight from the store.

--where filters rows with a boolean expression over the row fields
(type, statusCode, step, metadata, ...). --jq projects the array of
matching rows; each result is printed as one JSON line.`,
		Example: `  hookflow logs --workflow wfl_1 --type runError
  hookflow logs --run run_1 --jq '.[] | .metadata.uri'
  hookflow logs --workflow wfl_1 --where 'statusCode != nil && statusCode >= 400'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			filter.Type = schema.LogType(typ)

			ctx := cmd.Context()
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			results, err := service.New(service.Deps{Store: s}).Logs(ctx, filter, query)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range results {
				if err := enc.Encode(r); err != nil {
					return fmt.Errorf("write result: %w", err)
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&filter.WorkflowID, "workflow", "", "workflow id")
	f.StringVar(&filter.RunID, "run", "", "run id")
	f.StringVar(&typ, "type", "", "row type (action, skipped, stopped, preRunError, runError, notification)")
	f.IntVar(&filter.Limit, "limit", 0, "maximum rows read from the store")
	f.StringVar(&query.Where, "where", "", "row filter expression")
	f.StringVar(&query.JQ, "jq", "", "jq program applied to the matching rows")
	cmd.MarkFlagsOneRequired("workflow", "run")
	return cmd
}
