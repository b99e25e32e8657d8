package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ehr/ehrctx/internal/domain/ehrcontext"
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Ingest patient records from JSON or YAML files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			concurrency, _ := cmd.Flags().GetInt("concurrency")

			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			svcs, err := buildServices(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer svcs.Close()

			return ingestFiles(cmd.Context(), svcs.ingest, args, concurrency, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int("concurrency", 4, "Number of files ingested in parallel")
	return cmd
}

type ingester interface {
	Ingest(ctx context.Context, rec *ehrcontext.PatientRecord) (int, error)
}

// ingestFiles ingests every file with at most concurrency in flight. A bad
// file does not stop the others; the returned error counts the failures.
func ingestFiles(ctx context.Context, svc ingester, paths []string, concurrency int, out io.Writer) error {
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu     sync.Mutex
		failed int
	)
	report := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, path := range paths {
		g.Go(func() error {
			rec, err := loadRecord(path)
			if err == nil {
				var n int
				n, err = svc.Ingest(ctx, rec)
				if err == nil {
					report("%s: %d items (%s)\n", rec.PatientID, n, path)
					return nil
				}
			}
			mu.Lock()
			failed++
			mu.Unlock()
			report("%s: FAILED: %v\n", path, err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(paths))
	}
	return nil
}

// loadRecord decodes a patient record, choosing the codec by extension.
func loadRecord(path string) (*ehrcontext.PatientRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var rec ehrcontext.PatientRecord
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(raw, &rec)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &rec)
	default:
		return nil, fmt.Errorf("%s: unsupported file type (want .json, .yaml or .yml)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &rec, nil
}
