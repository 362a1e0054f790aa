package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/zipgeo/internal/merge"
	"github.com/sells-group/zipgeo/internal/points"
)

var assortCmd = &cobra.Command{
	Use:   "assort",
	Short: "Write resolved postal codes as a sorted points file",
	Long:  "Reads the merged output, drops records without coordinates and writes [longitude, latitude, postal_code, address] entries ordered by postal code to points.path.",
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := merge.ReadOutput(cfg.Output.Path, cfg.Output.Format)
		if err != nil {
			return err
		}

		pts := points.Assort(recs)
		if err := points.Write(cfg.Points.Path, pts); err != nil {
			return err
		}

		zap.L().Info("points written",
			zap.String("path", cfg.Points.Path),
			zap.Int("records", len(recs)),
			zap.Int("points", len(pts)),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(assortCmd)
}
