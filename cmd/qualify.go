package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var qualifyCmd = &cobra.Command{
	Use:   "qualify",
	Short: "Rescore every quarantined lead against the current criteria",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("qualify"); err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		scored, err := env.Pipeline.QualifyQuarantine(ctx, cfg.Tenant)
		if err != nil {
			return eris.Wrap(err, "qualify quarantine")
		}

		zap.L().Info("qualification complete", zap.Int("scored", scored))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(qualifyCmd)
}
