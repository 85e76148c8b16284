package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vendalabs/leadpipe/internal/fetcher"
	"github.com/vendalabs/leadpipe/internal/ingest"
)

var (
	importPath  string
	importSheet string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import leads from a CSV or XLSX file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("import"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		im := ingest.NewImporter(st, cfg.Tenant)

		isURL := strings.HasPrefix(importPath, "http://") || strings.HasPrefix(importPath, "https://")
		isXLSX := strings.HasSuffix(strings.ToLower(importPath), ".xlsx")

		var sum *ingest.Summary
		switch {
		case isURL && isXLSX:
			tmp := filepath.Join(os.TempDir(), fmt.Sprintf("leadpipe-import-%d.xlsx", os.Getpid()))
			defer os.Remove(tmp)
			if _, dlErr := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}).DownloadToFile(ctx, importPath, tmp); dlErr != nil {
				return eris.Wrap(dlErr, "download import file")
			}
			sum, err = im.ImportXLSX(ctx, tmp, importSheet)
		case isURL:
			body, dlErr := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}).Download(ctx, importPath)
			if dlErr != nil {
				return eris.Wrap(dlErr, "download import file")
			}
			defer body.Close()
			sum, err = im.ImportCSV(ctx, body)
		case isXLSX:
			sum, err = im.ImportXLSX(ctx, importPath, importSheet)
		default:
			f, openErr := os.Open(importPath)
			if openErr != nil {
				return eris.Wrap(openErr, "open import file")
			}
			defer f.Close()
			sum, err = im.ImportCSV(ctx, f)
		}
		if err != nil {
			return eris.Wrap(err, "import leads")
		}

		for _, rowErr := range sum.Errors {
			zap.L().Warn("row rejected", zap.Int("line", rowErr.Line), zap.Error(rowErr.Err))
		}
		zap.L().Info("import complete",
			zap.String("file", importPath),
			zap.Int("rows", sum.Rows),
			zap.Int("created", sum.Created),
			zap.Int("updated", sum.Updated),
			zap.Int("rejected", len(sum.Errors)),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importPath, "file", "", "path or URL of CSV or XLSX file (required)")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "worksheet name for XLSX files (default: first sheet)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
