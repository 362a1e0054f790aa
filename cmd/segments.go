package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/zipgeo/internal/segment"
)

var segmentsThreshold float64

var segmentsCmd = &cobra.Command{
	Use:   "segments",
	Short: "Derive GeoJSON segments between consecutive points",
	Long:  "Connects each point in points.path to the next one and writes every segment to segments.all_path and those at least the threshold long to segments.major_path.",
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold := cfg.Segments.ThresholdKM
		if cmd.Flags().Changed("threshold") {
			threshold = segmentsThreshold
		}

		res, err := segment.Derive(cfg.Points.Path, cfg.Segments.AllPath, cfg.Segments.MajorPath, threshold)
		if err != nil {
			return err
		}

		zap.L().Info("segments written",
			zap.Int("points", res.Points),
			zap.Int("all", res.All),
			zap.Int("major", res.Major),
			zap.Float64("threshold_km", threshold),
		)
		return nil
	},
}

func init() {
	segmentsCmd.Flags().Float64Var(&segmentsThreshold, "threshold", segment.DefaultThresholdKM, "minimum length in km of a major segment (overrides segments.threshold_km)")
	rootCmd.AddCommand(segmentsCmd)
}
