package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/zipgeo/internal/merge"
)

var mergeForce bool

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge stored batches into the output table",
	Long:  "Concatenates every batch in numeric index order into output.path. Refuses to run before the checkpoint covers the whole input unless --force is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if !mergeForce {
			st, err := env.Driver.Status(ctx)
			if err != nil {
				return eris.Wrap(err, "check completion")
			}
			if !st.Complete {
				return eris.Errorf("run incomplete: checkpoint %d of %d records (use --force to merge anyway)", st.Checkpoint, st.Total)
			}
		}
		return mergeBatches(ctx, env)
	},
}

func init() {
	mergeCmd.Flags().BoolVar(&mergeForce, "force", false, "merge even if the run is incomplete")
	rootCmd.AddCommand(mergeCmd)
}

// mergeBatches writes the merged output configured in output.*.
func mergeBatches(ctx context.Context, env *pipelineEnv) error {
	warnBatchCount(ctx, env)

	res, err := merge.New(env.Batches, cfg.Output.Format).Merge(ctx, cfg.Output.Path)
	if err != nil {
		return eris.Wrap(err, "merge batches")
	}
	zap.L().Info("merged batches",
		zap.Int("batches", res.Batches),
		zap.Int("records", res.Records),
		zap.Int("resolved", res.Resolved),
		zap.String("output", res.Path),
	)
	return nil
}

// expectedBatches is the number of artifacts a complete run over total
// records writes with the given batch size.
func expectedBatches(total, size int) int {
	if size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// warnBatchCount logs when the store holds a different number of batches
// than the input implies, e.g. leftovers from a run with another batch size.
func warnBatchCount(ctx context.Context, env *pipelineEnv) {
	st, err := env.Driver.Status(ctx)
	if err != nil {
		zap.L().Debug("skip batch count check", zap.Error(err))
		return
	}
	arts, err := env.Batches.List(ctx)
	if err != nil {
		zap.L().Debug("skip batch count check", zap.Error(err))
		return
	}
	if want := expectedBatches(st.Total, cfg.Batch.Size); len(arts) != want {
		zap.L().Warn("batch store does not match input",
			zap.Int("batches", len(arts)),
			zap.Int("expected", want),
			zap.Int("total", st.Total),
			zap.Int("batch_size", cfg.Batch.Size),
		)
	}
}
