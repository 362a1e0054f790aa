package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/zipgeo/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run progress",
	Long:  "Reports the saved checkpoint against the number of input records and the batches currently stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Driver.Status(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		arts, err := env.Batches.List(ctx)
		if err != nil {
			return eris.Wrap(err, "list batches")
		}

		formatStatus(cmd.OutOrStdout(), st, len(arts))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// formatStatus writes a two-column progress table to out.
func formatStatus(out io.Writer, st *pipeline.Status, batches int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "CHECKPOINT\t%d\n", st.Checkpoint)
	_, _ = fmt.Fprintf(w, "TOTAL\t%d\n", st.Total)
	_, _ = fmt.Fprintf(w, "PROGRESS\t%.1f%%\n", st.Percent())
	_, _ = fmt.Fprintf(w, "BATCHES\t%d\n", batches)
	_, _ = fmt.Fprintf(w, "COMPLETE\t%t\n", st.Complete)
	_ = w.Flush()
}
