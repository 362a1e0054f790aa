package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/zipgeo/internal/db"
	"github.com/sells-group/zipgeo/internal/merge"
)

var publishDatabaseURL string

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Load the merged output into a Postgres table",
	Long:  "Reads the merged output and upserts every record into publish.table keyed by postal code and address. Unresolved records are loaded with NULL coordinates.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		url := cfg.Publish.DatabaseURL
		if cmd.Flags().Changed("database-url") {
			url = publishDatabaseURL
		}
		if url == "" {
			return eris.New("publish.database_url is not set")
		}

		pool, err := db.Connect(ctx, url)
		if err != nil {
			return err
		}
		defer pool.Close()

		return publishOutput(ctx, cmd.OutOrStdout(), pool)
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishDatabaseURL, "database-url", "", "Postgres connection string (overrides publish.database_url)")
	rootCmd.AddCommand(publishCmd)
}

// publishOutput upserts the merged output configured in output.* through pool.
func publishOutput(ctx context.Context, out io.Writer, pool db.Pool) error {
	recs, err := merge.ReadOutput(cfg.Output.Path, cfg.Output.Format)
	if err != nil {
		return err
	}
	n, err := db.Publish(ctx, pool, cfg.Publish.Table, recs)
	if err != nil {
		return eris.Wrap(err, "publish output")
	}
	fmt.Fprintf(out, "published %d records to %s (%d rows affected)\n", len(recs), cfg.Publish.Table, n) //nolint:errcheck
	return nil
}
