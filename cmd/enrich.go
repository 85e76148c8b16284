package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/store"
)

var (
	enrichCompanyID   string
	enrichState       string
	enrichProviders   []string
	enrichCancelAfter time.Duration
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Run enrichment for one company or a whole lifecycle state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("enrich"); err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if enrichCompanyID != "" {
			res, err := env.Pipeline.ProcessCompany(ctx, cfg.Tenant, enrichCompanyID, enrichProviders)
			if err != nil {
				return eris.Wrap(err, "enrich company")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}

		// Dispatched entities finish and merge; nothing new starts after
		// the deadline.
		if enrichCancelAfter > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, enrichCancelAfter)
			defer cancel()
		}

		result, err := env.Pipeline.EnrichBatch(ctx, store.CompanyFilter{
			TenantID: cfg.Tenant,
			State:    model.LifecycleState(enrichState),
		}, enrichProviders)
		if err != nil {
			return eris.Wrap(err, "enrich batch")
		}

		zap.L().Info("batch complete",
			zap.Int("dispatched", result.Dispatched),
			zap.Int("complete", result.Complete),
			zap.Int("partial", result.Partial),
			zap.Int("failed", result.Failed),
			zap.Bool("canceled", result.Canceled),
		)
		return nil
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichCompanyID, "company", "", "enrich a single company by id")
	enrichCmd.Flags().StringVar(&enrichState, "state", string(model.StateQuarantine), "lifecycle state to batch over")
	enrichCmd.Flags().StringSliceVar(&enrichProviders, "providers", nil, "providers to run (default all configured)")
	enrichCmd.Flags().DurationVar(&enrichCancelAfter, "cancel-after", 0, "stop dispatching new entities after this duration")
	rootCmd.AddCommand(enrichCmd)
}
