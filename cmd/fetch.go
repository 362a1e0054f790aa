package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/zipgeo/internal/checkpoint"
	"github.com/sells-group/zipgeo/internal/fetcher"
	"github.com/sells-group/zipgeo/internal/resilience"
)

var (
	fetchForce bool
	fetchURL   string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the postal-code registry to input.path",
	Long:  "Downloads input.url (the Japan Post registry by default), unpacks the CSV from the archive and installs it at input.path. Refuses to replace the input while a run is part way through unless --force is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if !fetchForce {
			cp, err := checkpoint.Open(ctx, checkpoint.Config{
				Driver:      cfg.Checkpoint.Driver,
				Path:        cfg.Checkpoint.Path,
				DatabaseURL: cfg.Checkpoint.DatabaseURL,
				Name:        cfg.Checkpoint.Name,
			})
			if err != nil {
				return eris.Wrap(err, "open checkpoint store")
			}
			n, err := cp.Load(ctx)
			cp.Close() //nolint:errcheck
			if err != nil {
				return eris.Wrap(err, "load checkpoint")
			}
			if n > 0 {
				return eris.Errorf("checkpoint is at record %d; replacing %s would misalign the run (use --force to fetch anyway)", n, cfg.Input.Path)
			}
		}

		url := cfg.Input.URL
		if cmd.Flags().Changed("url") {
			url = fetchURL
		}
		if url == "" {
			return eris.New("input.url is not set")
		}

		f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent: userAgent,
			Retry:     resilience.WithAttempts(3),
		})
		res, err := fetcher.FetchRegistry(ctx, f, url, cfg.Input.Path)
		if err != nil {
			return eris.Wrap(err, "fetch registry")
		}

		if res.Changed {
			fmt.Fprintf(cmd.OutOrStdout(), "fetched %s (%d bytes)\n", res.Path, res.Bytes) //nolint:errcheck
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is up to date\n", res.Path) //nolint:errcheck
		}
		zap.L().Debug("fetch complete", zap.String("etag", res.ETag))
		return nil
	},
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchForce, "force", false, "replace the input even if a run is in progress")
	fetchCmd.Flags().StringVar(&fetchURL, "url", "", "registry URL (overrides input.url)")
	rootCmd.AddCommand(fetchCmd)
}
