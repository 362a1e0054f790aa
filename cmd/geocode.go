package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var geocodeNoMerge bool

var geocodeCmd = &cobra.Command{
	Use:   "geocode",
	Short: "Geocode the registry, resuming from the last checkpoint",
	Long:  "Looks up every record after the saved checkpoint, writing one batch per batch.size records. When the whole input is covered the batches are merged into output.path unless --no-merge is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Driver.Run(ctx)
		if err != nil {
			if sum != nil {
				zap.L().Error("geocode run stopped",
					zap.String("run_id", sum.RunID),
					zap.Int("processed", sum.Processed),
					zap.Int("batches", sum.Batches),
				)
			}
			return eris.Wrap(err, "geocode run")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return err
		}

		if geocodeNoMerge {
			return nil
		}
		complete, err := env.Driver.Complete(ctx)
		if err != nil {
			return eris.Wrap(err, "check completion")
		}
		if !complete {
			zap.L().Info("input not fully processed, skipping merge")
			return nil
		}
		return mergeBatches(ctx, env)
	},
}

func init() {
	geocodeCmd.Flags().BoolVar(&geocodeNoMerge, "no-merge", false, "do not merge batches after a complete run")
	rootCmd.AddCommand(geocodeCmd)
}
